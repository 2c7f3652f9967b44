// Package registry keeps a handle table of live objects and reports their
// creation and removal to observers.
//
// The loader registers every unit it creates and removes it on final
// release, which gives diagnostics an explicit way to enumerate live units:
//
//	reg := registry.NewTable[*Unit]()
//	h, _ := reg.Insert(kind, u)
//	reg.Each(func(h registry.Handle, kind uint32, u *Unit) bool {
//		fmt.Println(h, u.DebugName())
//		return true
//	})
//	reg.Remove(h)
//
// Handles are small integers starting at 1 and are reused after removal.
package registry
