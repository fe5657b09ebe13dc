package signal

import (
	"fmt"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/capability"
)

// Transmitter submits signals through a capability issued by
// Receiver.Manage, without holding the Context itself.
type Transmitter struct {
	cap capability.Capability
}

// NewTransmitter creates a transmitter for c.
func NewTransmitter(c capability.Capability) Transmitter {
	return Transmitter{cap: c}
}

// Capability returns the target capability.
func (t Transmitter) Capability() capability.Capability { return t.cap }

// Submit triggers the addressed context n times. An invalid capability or a
// badge whose context was dissolved yields ErrInvalidContext.
func (t Transmitter) Submit(n uint32) error {
	if !t.cap.Valid() {
		return ErrInvalidContext
	}
	r, ok := t.cap.Destination().(*Receiver)
	if !ok {
		return fmt.Errorf("%w: %s is not a signal receiver", ErrInvalidContext, t.cap)
	}
	return r.submitBadge(t.cap.Badge(), n)
}
