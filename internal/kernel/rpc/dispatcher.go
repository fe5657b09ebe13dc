package rpc

import (
	"errors"
	"fmt"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/msgbuf"
)

// Object is anything an entrypoint can serve. Implementations must be
// comparable, which in practice means a pointer type.
type Object interface {
	Dispatch(op Opcode, in, out *msgbuf.Buffer) error
}

// Handler serves one function: it extracts arguments from in and inserts
// results into out.
type Handler func(in, out *msgbuf.Buffer) error

// Dispatcher routes opcodes of a declared interface to handlers and turns
// declared handler errors into exceptions. Embed it to implement Object.
type Dispatcher struct {
	iface    *Interface
	handlers []Handler
}

// NewDispatcher creates a dispatcher for iface with no handlers bound.
func NewDispatcher(iface *Interface) *Dispatcher {
	return &Dispatcher{
		iface:    iface,
		handlers: make([]Handler, iface.Len()),
	}
}

// Handle binds h to the named function. Binding an undeclared name panics.
func (d *Dispatcher) Handle(name string, h Handler) *Dispatcher {
	op, ok := d.iface.Opcode(name)
	if !ok {
		panic(fmt.Sprintf("rpc: %s has no function %s", d.iface.Name(), name))
	}
	d.handlers[op] = h
	return d
}

// Interface returns the served interface.
func (d *Dispatcher) Interface() *Interface { return d.iface }

// Dispatch implements Object.
func (d *Dispatcher) Dispatch(op Opcode, in, out *msgbuf.Buffer) error {
	if int(op) >= len(d.handlers) || d.handlers[op] == nil {
		return ErrInvalidOpcode
	}
	err := d.handlers[op](in, out)
	if err == nil {
		return nil
	}
	fn, _ := d.iface.Function(op)
	for i, declared := range fn.Exceptions {
		if errors.Is(err, declared) {
			return &Exception{Index: i, Err: err}
		}
	}
	return err
}
