package rpc

import (
	"fmt"
)

// Opcode selects a function of an RPC interface. Opcodes are assigned by
// declaration order, so reordering the functions of a declared interface
// changes the wire protocol.
type Opcode uint32

// Function describes one RPC function and the exceptions it may raise.
// Exceptions cross the protection boundary as codes and are mapped back to
// the same error values on the client.
type Function struct {
	Name       string
	Exceptions []error
}

// Interface is a declared set of functions.
type Interface struct {
	name      string
	functions []Function
	opcodes   map[string]Opcode
}

// Declare builds an interface from an ordered function list. Duplicate names
// are a programming error and panic.
func Declare(name string, functions ...Function) *Interface {
	iface := &Interface{
		name:      name,
		functions: functions,
		opcodes:   make(map[string]Opcode, len(functions)),
	}
	for i, fn := range functions {
		if _, dup := iface.opcodes[fn.Name]; dup {
			panic(fmt.Sprintf("rpc: interface %s declares %s twice", name, fn.Name))
		}
		iface.opcodes[fn.Name] = Opcode(i)
	}
	return iface
}

// Fn is shorthand for a Function literal.
func Fn(name string, exceptions ...error) Function {
	return Function{Name: name, Exceptions: exceptions}
}

// Name returns the interface name.
func (i *Interface) Name() string { return i.name }

// Opcode returns the opcode of the named function.
func (i *Interface) Opcode(name string) (Opcode, bool) {
	op, ok := i.opcodes[name]
	return op, ok
}

// Function returns the declaration behind op.
func (i *Interface) Function(op Opcode) (Function, bool) {
	if int(op) >= len(i.functions) {
		return Function{}, false
	}
	return i.functions[op], true
}

// Len returns the number of declared functions.
func (i *Interface) Len() int { return len(i.functions) }
