package mcpmgr

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrGroupClosed is returned when adding to a ResourceGroup that was already
// released.
var ErrGroupClosed = errors.New("mcpmgr: resource group closed")

// ResourceGroup owns a set of closers and releases them together, last
// acquired first.
type ResourceGroup struct {
	mu      sync.Mutex
	members []groupMember
	closed  bool
}

type groupMember struct {
	name   string
	closer io.Closer
}

// Add records closer as the most recently acquired member. If the group is
// already closed, closer is released immediately and ErrGroupClosed is
// returned.
func (g *ResourceGroup) Add(name string, closer io.Closer) error {
	if closer == nil {
		return nil
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errors.Join(ErrGroupClosed, closer.Close())
	}
	g.members = append(g.members, groupMember{name: name, closer: closer})
	g.mu.Unlock()
	return nil
}

// Len reports how many members are held.
func (g *ResourceGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Close releases every member in reverse acquisition order. All members are
// released even when some fail; their errors are joined. Subsequent calls
// return nil.
func (g *ResourceGroup) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	members := g.members
	g.members = nil
	g.mu.Unlock()

	var errs []error
	for i := len(members) - 1; i >= 0; i-- {
		m := members[i]
		if err := m.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcpmgr: release %q: %w", m.name, err))
		}
	}
	return errors.Join(errs...)
}
