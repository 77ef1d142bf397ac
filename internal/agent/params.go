package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// ParamSpec describes one configurable strategy input, collected the
// first time its hook executes. Callers use the assembled schema to
// build configuration forms or validate supplied values.
type ParamSpec struct {
	Type        string         `json:"type"`
	Default     any            `json:"default,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"`
}

func (a *AgentUnit) declareParam(name, typ string, def any, constraints map[string]any) {
	if _, ok := a.paramSpecs[name]; ok {
		return
	}
	a.paramSpecs[name] = ParamSpec{Type: typ, Default: def, Constraints: constraints}
	a.paramOrder = append(a.paramOrder, name)
}

// ParamsSchema returns the collected parameter declarations, available
// after the first tick has executed.
func (a *AgentUnit) ParamsSchema() map[string]ParamSpec {
	out := make(map[string]ParamSpec, len(a.paramSpecs))
	for k, v := range a.paramSpecs {
		out[k] = v
	}
	return out
}

// jsonSchema assembles a draft JSON schema object from the declarations.
func (a *AgentUnit) jsonSchema() map[string]any {
	props := make(map[string]any, len(a.paramSpecs))
	for name, spec := range a.paramSpecs {
		entry := map[string]any{"type": spec.Type}
		if spec.Default != nil {
			entry["default"] = spec.Default
		}
		for k, v := range spec.Constraints {
			entry[k] = v
		}
		props[name] = entry
	}
	return map[string]any{"type": "object", "properties": props}
}

// validateParams checks the externally supplied values against the
// schema assembled from the first tick's declarations.
func (a *AgentUnit) validateParams() error {
	if len(a.rawParams) == 0 || len(a.paramSpecs) == 0 {
		return nil
	}
	raw, err := json.Marshal(a.jsonSchema())
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("params.json", strings.NewReader(string(raw))); err != nil {
		return err
	}
	schema, err := compiler.Compile("params.json")
	if err != nil {
		return err
	}
	var supplied any
	if err := json.Unmarshal(a.rawParams, &supplied); err != nil {
		return fmt.Errorf("params are not valid JSON: %w", err)
	}
	if err := schema.Validate(supplied); err != nil {
		return err
	}
	return nil
}

func (a *AgentUnit) paramValue(name string) gjson.Result {
	if len(a.rawParams) == 0 {
		return gjson.Result{}
	}
	return gjson.GetBytes(a.rawParams, name)
}

// UseParamString declares (first call) and reads a string parameter.
func UseParamString(c *Context, name, def string) string {
	c.next(slotParam)
	c.unit.declareParam(name, "string", def, nil)
	if v := c.unit.paramValue(name); v.Exists() {
		return v.String()
	}
	return def
}

// UseParamNumber declares and reads a numeric parameter.
func UseParamNumber(c *Context, name string, def float64, constraints ...map[string]any) float64 {
	c.next(slotParam)
	var cs map[string]any
	if len(constraints) > 0 {
		cs = constraints[0]
	}
	c.unit.declareParam(name, "number", def, cs)
	if v := c.unit.paramValue(name); v.Exists() {
		return v.Float()
	}
	return def
}

// UseParamBoolean declares and reads a boolean parameter.
func UseParamBoolean(c *Context, name string, def bool) bool {
	c.next(slotParam)
	c.unit.declareParam(name, "boolean", def, nil)
	if v := c.unit.paramValue(name); v.Exists() {
		return v.Bool()
	}
	return def
}

// UseParamProduct declares a product-id parameter.
func UseParamProduct(c *Context, name, def string) string {
	c.next(slotParam)
	c.unit.declareParam(name, "string", def, map[string]any{"description": "product_id"})
	if v := c.unit.paramValue(name); v.Exists() {
		return v.String()
	}
	return def
}

// UseParamOHLC declares a product+timeframe parameter encoded as
// "PRODUCT/TIMEFRAME" and returns the two parts.
func UseParamOHLC(c *Context, name, defProduct, defTimeframe string) (string, string) {
	c.next(slotParam)
	def := defProduct + "/" + defTimeframe
	c.unit.declareParam(name, "string", def, map[string]any{"description": "product_id/timeframe"})
	encoded := def
	if v := c.unit.paramValue(name); v.Exists() {
		encoded = v.String()
	}
	if idx := strings.LastIndex(encoded, "/"); idx > 0 {
		return encoded[:idx], encoded[idx+1:]
	}
	return encoded, defTimeframe
}
