package loader

import (
	"go.uber.org/zap"

	"github.com/wippyai/peloader/image"
)

// Control exposes the mutating operations the runtime performs on a unit
// after construction. Ordinary consumers only need the read accessors on
// Unit.
type Control struct {
	u *Unit
}

// Control returns the control surface for u. u must belong to l.
func (l *Loader) Control(u *Unit) Control {
	if u.loader != l {
		panic("loader: unit belongs to another loader")
	}
	return Control{u: u}
}

// SetNativeImage offers ni to the unit. The caller keeps its reference. It
// returns false when the image was rejected or the gate was already closed.
func (c Control) SetNativeImage(ni *image.Image) bool {
	c.u.live()
	ni.AddRef()
	return c.u.setNativeImage(ni)
}

// SetCannotUseNativeImage closes the native image gate for good.
func (c Control) SetCannotUseNativeImage() {
	c.u.live()
	c.u.clearNativeGate("disabled by caller")
}

func (c Control) SetNativeImageUsedExclusively() {
	c.u.live()
	c.u.setFlags(FlagNativeExclusive)
}

func (c Control) SetSafeToHardBindTo() {
	c.u.live()
	c.u.setFlags(FlagSafeToHardBind)
}

// ReleaseIL retires the IL clone once execution runs from the native image.
// The clone stays valid until teardown for readers that already hold it.
func (c Control) ReleaseIL() {
	c.u.live()
	c.u.releaseIL()
	c.u.loader.log.Debug("IL image retired", zap.String("unit", c.u.safeName()))
}

// ConvertMetadataToRW upgrades the unit's metadata to read-write.
func (c Control) ConvertMetadataToRW() error {
	c.u.live()
	_, err := c.u.Emitter()
	return err
}
