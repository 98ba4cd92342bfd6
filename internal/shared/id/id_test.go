package id

import (
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestGenerateUnique(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("Generated IDs should be unique")
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	gen := NewGenerator()

	for _, prefix := range []string{ChannelPrefix, BufferPrefix, CapabilityPrefix} {
		value := gen.GenerateWithPrefix(prefix)

		if !HasPrefix(value, prefix) {
			t.Errorf("ID should be %s_<ulid>, got: %s", prefix, value)
		}
	}
}

func TestTypedIDs(t *testing.T) {
	if !strings.HasPrefix(NewChannelID().String(), "chan_") {
		t.Error("channel IDs should be prefixed with chan_")
	}
	if !strings.HasPrefix(NewBufferID().String(), "buf_") {
		t.Error("buffer IDs should be prefixed with buf_")
	}
	if !strings.HasPrefix(NewCapabilityID().String(), "cap_") {
		t.Error("capability IDs should be prefixed with cap_")
	}
	if HasPrefix(NewTaskID().String(), EventPrefix) {
		t.Error("task IDs must not validate as event IDs")
	}
}

func TestRunHandleIsOpaqueUUID(t *testing.T) {
	h := NewRunHandle()
	if _, err := uuid.Parse(h); err != nil {
		t.Errorf("run handle should be a UUID: %v", err)
	}
	if h == NewRunHandle() {
		t.Error("run handles should be unique")
	}
}

func TestMonotonicOrdering(t *testing.T) {
	gen := NewGenerator()

	ids := make([]string, 100)
	for i := range ids {
		ids[i] = gen.Generate().String()
	}

	if !sort.StringsAreSorted(ids) {
		t.Error("IDs generated in sequence should sort in creation order")
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts, err := Timestamp(NewEventID().String())
	if err != nil {
		t.Fatalf("Timestamp failed: %v", err)
	}
	if ts.Before(before) || ts.After(time.Now().Add(time.Second)) {
		t.Errorf("timestamp %v out of range", ts)
	}

	if _, err := Timestamp("evt_not-a-ulid"); err == nil {
		t.Error("expected error for malformed ID")
	}
}

func TestConcurrentGeneration(t *testing.T) {
	gen := NewGenerator()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v := gen.GenerateWithPrefix(BufferPrefix)
				mu.Lock()
				seen[v] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 1000 {
		t.Errorf("expected 1000 unique IDs, got %d", len(seen))
	}
}
