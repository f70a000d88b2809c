package iface

import (
	"github.com/google/btree"

	"github.com/tinyrange/netdispatch/internal/netstack/socket"
)

// DirtySet holds the handles of sockets with pending work, in handle order.
type DirtySet struct {
	set *btree.BTreeG[socket.Handle]
}

func NewDirtySet() *DirtySet {
	return &DirtySet{set: btree.NewG(8, socket.Handle.Less)}
}

// Insert adds h and reports whether it was absent.
func (d *DirtySet) Insert(h socket.Handle) bool {
	_, replaced := d.set.ReplaceOrInsert(h)
	return !replaced
}

func (d *DirtySet) Contains(h socket.Handle) bool {
	return d.set.Has(h)
}

// Remove drops h and reports whether it was present.
func (d *DirtySet) Remove(h socket.Handle) bool {
	_, ok := d.set.Delete(h)
	return ok
}

func (d *DirtySet) Len() int {
	return d.set.Len()
}

// Drain empties the set and returns its handles in ascending order.
func (d *DirtySet) Drain() []socket.Handle {
	out := make([]socket.Handle, 0, d.set.Len())
	d.set.Ascend(func(h socket.Handle) bool {
		out = append(out, h)
		return true
	})
	d.set.Clear(false)
	return out
}
