package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/capability"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/msgbuf"
)

// Client invokes functions of a declared interface by name.
type Client struct {
	cap    capability.Capability
	iface  *Interface
	size   int
	layout msgbuf.Layout
}

// NewClient creates a client with default message buffers.
func NewClient(c capability.Capability, iface *Interface) *Client {
	cfg := DefaultConfig("")
	return &Client{cap: c, iface: iface, size: cfg.MsgBufSize, layout: cfg.Layout}
}

// Capability returns the target capability.
func (c *Client) Capability() capability.Capability { return c.cap }

// Invoke calls the named function with args and decodes the single result
// into result, which may be nil for functions without results. Declared
// exceptions are returned as the declared error value.
func (c *Client) Invoke(ctx context.Context, name string, result any, args ...any) error {
	op, ok := c.iface.Opcode(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrInvalidOpcode, c.iface.Name(), name)
	}

	in, err := msgbuf.New(c.size, c.layout)
	if err != nil {
		return err
	}
	for _, arg := range args {
		if err := in.Insert(arg); err != nil {
			return fmt.Errorf("%s.%s: %w", c.iface.Name(), name, err)
		}
	}

	out, err := Call(ctx, c.cap, op, in)
	var remote *RemoteError
	if errors.As(err, &remote) {
		fn, _ := c.iface.Function(op)
		if i := remote.Index(); i >= 0 && i < len(fn.Exceptions) {
			return fn.Exceptions[i]
		}
		return err
	}
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return out.Extract(result)
}
