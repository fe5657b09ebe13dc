// Package id generates the diagnostic identifiers used across capcore.
//
// Kernel objects are addressed by badges, which are small and recycled.
// Logs, metrics and the admin interface need names that stay unique for the
// lifetime of the process, so every entrypoint, receiver and recorded fault
// also carries a prefixed ULID:
//
//	ep_01HZX3...   RPC or pager entrypoint
//	rcv_01HZX3...  signal receiver
//	flt_01HZX3...  unresolved page fault record
//
// ULIDs sort by creation time, which keeps fault listings chronological
// without a separate timestamp column.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EntrypointID names an RPC or pager entrypoint
type EntrypointID string

// ReceiverID names a signal receiver
type ReceiverID string

// FaultID names a recorded page fault
type FaultID string

const (
	EntrypointPrefix = "ep"
	ReceiverPrefix   = "rcv"
	FaultPrefix      = "flt"
)

// Generator produces ULIDs. Entropy is monotonic so that ids created within
// the same millisecond still sort in creation order.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return NewGeneratorWithEntropy(rand.Reader)
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source,
// for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: ulid.Monotonic(entropy, 0)}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// WithPrefix creates a prefixed ULID string
func (g *Generator) WithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

func NewEntrypointID() EntrypointID {
	return EntrypointID(Default().WithPrefix(EntrypointPrefix))
}

func NewReceiverID() ReceiverID {
	return ReceiverID(Default().WithPrefix(ReceiverPrefix))
}

func NewFaultID() FaultID {
	return FaultID(Default().WithPrefix(FaultPrefix))
}

func (id EntrypointID) String() string { return string(id) }
func (id ReceiverID) String() string   { return string(id) }
func (id FaultID) String() string      { return string(id) }

// Split separates a prefixed id into prefix and ULID.
func Split(s string) (prefix string, u ulid.ULID, err error) {
	prefix, rest, ok := strings.Cut(s, "_")
	if !ok {
		return "", ulid.ULID{}, fmt.Errorf("id %q has no prefix", s)
	}
	u, err = ulid.Parse(rest)
	if err != nil {
		return "", ulid.ULID{}, fmt.Errorf("id %q: %w", s, err)
	}
	return prefix, u, nil
}

// Timestamp returns the creation time encoded in a prefixed id.
func Timestamp(s string) (time.Time, error) {
	_, u, err := Split(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
