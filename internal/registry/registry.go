// Package registry implements the statically populated handler table: a
// write-once, linear-scan-by-id collection of handler descriptors exposed
// to the dispatcher as an opaque find/iterate capability, the way a
// statically linked handler catalog would be built from a registration
// list in this firmware's source tree.
package registry

import (
	"fmt"

	"github.com/behrlich/echost/internal/wire"
)

// HandlerFunc implements one (cmd_id, version) pair's behavior. input is the
// request payload; output is the response payload area of outputMax bytes.
// The handler returns the number of bytes it wrote and the status to place
// in the response header.
type HandlerFunc func(cmdVer uint8, input []byte, output []byte) (outputLen int, status wire.Status)

// Descriptor is one statically registered handler.
type Descriptor struct {
	ID              uint16
	VersionMask     uint32
	MinRequestSize  uint16
	MinResponseSize uint16
	Handler         HandlerFunc
}

// SupportsVersion reports whether cmdVer is in range and set in the
// descriptor's version mask.
func (d Descriptor) SupportsVersion(cmdVer uint8) bool {
	if cmdVer >= 32 {
		return false
	}
	return (d.VersionMask>>cmdVer)&1 == 1
}

// Registry is a write-once, linear-scan table of handler descriptors.
// Registration closes once the dispatcher begins dispatching; Freeze
// enforces this by rejecting subsequent registrations.
type Registry struct {
	entries []Descriptor
	frozen  bool
	seen    map[uint16]bool
}

// New returns an empty registry ready for static registration.
func New() *Registry {
	return &Registry{seen: make(map[uint16]bool)}
}

// Register adds a descriptor. It returns an error for a duplicate id rather
// than silently keeping the first one registered, so a colliding id is
// caught at registration time instead of producing a registry where lookup
// behavior depends on registration order.
func (r *Registry) Register(d Descriptor) error {
	if r.frozen {
		return fmt.Errorf("registry: cannot register id %#x: registry is frozen", d.ID)
	}
	if r.seen[d.ID] {
		return fmt.Errorf("registry: duplicate handler id %#x", d.ID)
	}
	r.seen[d.ID] = true
	r.entries = append(r.entries, d)
	return nil
}

// MustRegister panics on a registration error, for static init-time tables
// where a duplicate id is a build-time bug, not a runtime condition.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Freeze marks the registry immutable. The dispatcher calls this once before
// entering its loop.
func (r *Registry) Freeze() {
	r.frozen = true
}

// FindByID linearly scans the table for id. On a duplicate id that slipped
// past Register (impossible through this type, but the contract is
// documented regardless) the first match wins.
func (r *Registry) FindByID(id uint16) (Descriptor, bool) {
	for _, d := range r.entries {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// ForEach iterates the registry in registration order.
func (r *Registry) ForEach(fn func(Descriptor)) {
	for _, d := range r.entries {
		fn(d)
	}
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	return len(r.entries)
}
