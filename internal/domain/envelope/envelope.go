package envelope

import (
	"fmt"

	"github.com/GriffinCanCode/AetherOS/core/internal/shared/id"
)

// Tag identifies the message variant carried by an envelope. Tags are
// stable numeric IDs assigned per protocol family.
type Tag uint16

// Mode says how a buffer handle travels with a message.
type Mode uint8

const (
	// Move transfers exclusive ownership to the receiver.
	Move Mode = iota + 1
	// Share gives the receiver an additional read-only view.
	Share
)

// String returns "move" or "share".
func (m Mode) String() string {
	switch m {
	case Move:
		return "move"
	case Share:
		return "share"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// HandleRef names a buffer attached to a message.
type HandleRef struct {
	ID   id.BufferID `json:"id"`
	Mode Mode        `json:"mode"`
}

// Envelope is the unit of IPC. Sender is stamped by the kernel on delivery
// and never travels on the wire, so a V-Node cannot forge it.
type Envelope struct {
	Tag         Tag         `json:"tag"`
	Correlation uint64      `json:"correlation"`
	Sender      string      `json:"sender,omitempty"`
	Fields      []byte      `json:"fields,omitempty"`
	Inline      []byte      `json:"inline,omitempty"`
	Handles     []HandleRef `json:"handles,omitempty"`
}

// Validate checks the envelope against the wire limits.
func (e *Envelope) Validate() error {
	if e == nil {
		return invalid("nil envelope")
	}
	if len(e.Fields) > MaxFieldsSize {
		return invalid("fields %d bytes exceed %d", len(e.Fields), MaxFieldsSize)
	}
	if len(e.Inline) > MaxInlineSize {
		return invalid("inline payload %d bytes exceeds %d", len(e.Inline), MaxInlineSize)
	}
	if len(e.Handles) > MaxHandles {
		return invalid("%d handles exceed %d", len(e.Handles), MaxHandles)
	}

	seen := make(map[id.BufferID]struct{}, len(e.Handles))
	for _, h := range e.Handles {
		if h.Mode != Move && h.Mode != Share {
			return invalid("handle %s has unknown mode %d", h.ID, h.Mode)
		}
		if h.ID == "" || len(h.ID) > maxHandleIDLen {
			return invalid("handle id length %d out of range", len(h.ID))
		}
		if _, dup := seen[h.ID]; dup {
			return invalid("handle %s attached twice", h.ID)
		}
		seen[h.ID] = struct{}{}
	}
	return nil
}

// HasShare reports whether any handle is attached in Share mode.
func (e *Envelope) HasShare() bool {
	for _, h := range e.Handles {
		if h.Mode == Share {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Fields = append([]byte(nil), e.Fields...)
	c.Inline = append([]byte(nil), e.Inline...)
	c.Handles = append([]HandleRef(nil), e.Handles...)
	return &c
}
