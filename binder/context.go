package binder

import (
	"go.uber.org/zap"

	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/metadata"
)

// ContextBinder is a private load context layered over a parent binder.
// References found in its own paths are bound with the context as their
// host; everything else is delegated to the parent unchanged.
type ContextBinder struct {
	parent Binder
	own    *TPABinder
	name   string
}

var _ Binder = (*ContextBinder)(nil)

// NewContext creates a load context named name probing paths before
// falling back to parent.
func NewContext(name string, parent Binder, paths ...string) (*ContextBinder, error) {
	if parent == nil {
		return nil, errors.InvalidInput(errors.PhaseConfig, "load context needs a parent binder")
	}
	own, err := NewTPA(Config{Name: name, AppPaths: paths})
	if err != nil {
		return nil, err
	}
	return &ContextBinder{parent: parent, own: own, name: name}, nil
}

func (c *ContextBinder) Name() string { return c.name }

// Parent returns the binder lookups fall back to.
func (c *ContextBinder) Parent() Binder { return c.parent }

func (c *ContextBinder) Bind(ref metadata.AssemblyRef) (*BindResult, error) {
	res, err := c.own.Bind(ref)
	if err == nil {
		res.Host = c
		res.IsFromTrustedLocation = false
		res.IsOnTPAList = false
		return res, nil
	}
	if !errors.IsKind(err, errors.KindNotFound) {
		return nil, err
	}
	Logger().Debug("delegating bind to parent",
		zap.String("context", c.name),
		zap.String("parent", c.parent.Name()),
		zap.String("assembly", ref.Name))
	return c.parent.Bind(ref)
}

// BindSystem always comes from the parent.
func (c *ContextBinder) BindSystem() (*BindResult, error) {
	return c.parent.BindSystem()
}

// Close releases the images cached by the context's own probing.
func (c *ContextBinder) Close() error {
	return c.own.Close()
}
