// Package strategies holds the built-in strategy scripts. Each file
// registers its script in init(), so importing the package is enough to
// make the strategies visible to the simulator.
package strategies
