package loader

import (
	"github.com/wippyai/peloader/errors"
	"github.com/wippyai/peloader/image"
)

// Module is a non-primary module of a multi-file assembly. It has no
// manifest of its own and is owned by its assembly.
type Module struct {
	*Unit
	owner *Assembly
}

// Owner is the assembly whose File table names the module.
func (m *Module) Owner() *Assembly { return m.owner }

// newModule wraps img as a module of owner. img is not consumed; the module
// takes its own reference.
func (l *Loader) newModule(owner *Assembly, img *image.Image) (*Module, error) {
	if !img.HasCorHeader() {
		return nil, errors.BadImageFormat(errors.PhaseOpen, img.Path()+" is not a managed module")
	}
	img.AddRef()
	m := &Module{owner: owner}
	m.Unit = newUnit(l, KindModule, img)
	m.Unit.mod = m
	if owner.IsIntrospectionOnly() {
		m.setFlags(FlagIntrospectionOnly)
	}
	m.SetFallbackBinder(owner.BindingContext())

	imp, err := m.MetadataImport()
	if err != nil {
		m.Release()
		return nil, err
	}
	if _, ok := imp.Assembly(); ok {
		m.Release()
		return nil, errors.New(errors.PhaseOpen, errors.KindBadImageFormat).
			Unit(img.Path()).Detail("module image carries an assembly manifest").Build()
	}
	if err := l.register(m.Unit); err != nil {
		m.Release()
		return nil, err
	}
	return m, nil
}
