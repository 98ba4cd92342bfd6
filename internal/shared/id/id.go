// Package id provides identifier generation for kernel objects.
//
// Kernel-internal objects get prefixed ULIDs:
//   - Sortable: creation order survives in logs and the journal
//   - Prefixed: chan_*, buf_*, cap_*, task_*, evt_* read clearly in traces
//   - Typed: distinct Go types keep a BufferID from being passed as a ChannelID
//
// Run handles returned to supervisors are opaque random UUIDs; they carry no
// ordering and must not be parsed by callers.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Typed IDs
// ============================================================================

// ChannelID identifies a channel endpoint.
type ChannelID string

// BufferID identifies a transferable buffer handle.
type BufferID string

// CapabilityID identifies a capability table entry.
type CapabilityID string

// TaskID identifies a scheduler task.
type TaskID string

// EventID identifies a lifecycle event.
type EventID string

const (
	ChannelPrefix    = "chan"
	BufferPrefix     = "buf"
	CapabilityPrefix = "cap"
	TaskPrefix       = "task"
	EventPrefix      = "evt"
)

// ============================================================================
// ULID Generator
// ============================================================================

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand with monotonic
// entropy, so IDs minted within the same millisecond still sort in order.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a "prefix_ULID" string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewChannelID generates a channel endpoint ID.
func NewChannelID() ChannelID {
	return ChannelID(Default().GenerateWithPrefix(ChannelPrefix))
}

// NewBufferID generates a buffer handle ID.
func NewBufferID() BufferID {
	return BufferID(Default().GenerateWithPrefix(BufferPrefix))
}

// NewCapabilityID generates a capability ID.
func NewCapabilityID() CapabilityID {
	return CapabilityID(Default().GenerateWithPrefix(CapabilityPrefix))
}

// NewTaskID generates a scheduler task ID.
func NewTaskID() TaskID {
	return TaskID(Default().GenerateWithPrefix(TaskPrefix))
}

// NewEventID generates a lifecycle event ID.
func NewEventID() EventID {
	return EventID(Default().GenerateWithPrefix(EventPrefix))
}

// NewRunHandle returns an opaque handle for one run of a V-Node.
func NewRunHandle() string {
	return uuid.NewString()
}

func (id ChannelID) String() string    { return string(id) }
func (id BufferID) String() string     { return string(id) }
func (id CapabilityID) String() string { return string(id) }
func (id TaskID) String() string       { return string(id) }
func (id EventID) String() string      { return string(id) }

// ============================================================================
// Validation
// ============================================================================

// IsValid checks if a string is a bare ULID.
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// HasPrefix checks that id is "prefix_<ULID>".
func HasPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix+"_")
	return ok && IsValid(rest)
}

// Timestamp extracts the creation time from a prefixed or bare ULID.
func Timestamp(id string) (time.Time, error) {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
