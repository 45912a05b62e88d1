package client

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry tracks live Conns by id. Tools use it to drive many pipelined
// connections and to expose them on the debug endpoint. It is not a pool:
// there is no checkout, a Conn always belongs to the goroutine driving it.
type Registry struct {
	conns *xsync.MapOf[string, *Conn]
}

func NewRegistry() *Registry {
	return &Registry{
		conns: xsync.NewMapOf[string, *Conn](),
	}
}

func (r *Registry) Register(c *Conn) {
	r.conns.Store(c.Id, c)
}

func (r *Registry) Lookup(id string) *Conn {
	if c, ok := r.conns.Load(id); ok {
		return c
	}
	return nil
}

func (r *Registry) Unregister(id string) *Conn {
	if c, ok := r.conns.LoadAndDelete(id); ok {
		return c
	}
	return nil
}

func (r *Registry) Len() int {
	return r.conns.Size()
}

func (r *Registry) Range(fn func(c *Conn) bool) {
	r.conns.Range(func(_ string, c *Conn) bool {
		return fn(c)
	})
}

// Sweep drops Conns that are failed, disconnected, or no longer pass the
// idle health probe. It returns the ids removed.
func (r *Registry) Sweep() []string {
	var removed []string
	r.conns.Range(func(id string, c *Conn) bool {
		if !c.Connected() || (c.Pending() == 0 && !c.Healthy()) {
			r.conns.Delete(id)
			removed = append(removed, id)
		}
		return true
	})
	return removed
}

// Clear frees every registered Conn and empties the registry.
func (r *Registry) Clear() {
	r.conns.Range(func(id string, c *Conn) bool {
		c.Free()
		return true
	})
	r.conns.Clear()
}
