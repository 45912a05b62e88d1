package client

// ContextCallback is a non-reply event hook tied to a Conn lifetime.
type ContextCallback func(c *Conn, privdata any)

// hookSlot holds at most one listener. Events are strictly
// single-subscriber: setting a hook replaces the previous one.
type hookSlot struct {
	fn       ContextCallback
	privdata any
}

func (h *hookSlot) fire(c *Conn) {
	if h.fn != nil {
		h.fn(c, h.privdata)
	}
}

// SetDisconnectCallback registers the hook invoked when the connection is
// torn down, either by Disconnect or by a transport failure. It fires at
// most once per Conn lifetime.
func (c *Conn) SetDisconnectCallback(fn ContextCallback, privdata any) {
	c.onDisconnect = hookSlot{fn: fn, privdata: privdata}
}

// SetCommandCallback registers the hook invoked every time a command has
// been appended to the output buffer.
func (c *Conn) SetCommandCallback(fn ContextCallback, privdata any) {
	c.onCommand = hookSlot{fn: fn, privdata: privdata}
}

// SetFreeCallback registers the hook invoked by Free before the Conn's
// resources are released. Use it to drop external state keyed to this Conn.
func (c *Conn) SetFreeCallback(fn ContextCallback, privdata any) {
	c.onFree = hookSlot{fn: fn, privdata: privdata}
}
