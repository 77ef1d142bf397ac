package kernel

import "context"

// Base provides no-op Unit callbacks. Units that only expose storage
// embed it and override nothing.
type Base struct {
	name string
}

func NewBase(name string) Base { return Base{name: name} }

func (b Base) Name() string { return b.name }

func (b Base) OnInit(ctx context.Context) error { return nil }

func (b Base) OnEvent(ctx context.Context) error { return nil }
