// Package protocol defines the closed message families spoken over kernel
// channels.
//
// Each family is a fixed set of variants with stable numeric tags. Fields
// travel as JSON in the envelope's fields section; byte payloads travel in
// the inline section. Decode switches over every known tag and rejects
// anything else, so adding a variant is a compile-visible change here rather
// than a runtime surprise in a V-Node.
package protocol

import (
	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/AetherOS/core/internal/domain/envelope"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/ipcerr"
)

// Variant is one message of a protocol family.
type Variant interface {
	Tag() envelope.Tag
}

// payloadSource and payloadSink are implemented by variants whose bulk bytes
// ride in the envelope's inline section instead of the JSON fields.
type payloadSource interface {
	payload() []byte
}

type payloadSink interface {
	setPayload([]byte)
}

// Tags. The high byte names the family.
const (
	TagError envelope.Tag = 0x0001

	TagSocketOpen  envelope.Tag = 0x0101
	TagSocketSend  envelope.Tag = 0x0102
	TagSocketRecv  envelope.Tag = 0x0103
	TagSocketClose envelope.Tag = 0x0104
	TagSocketOK    envelope.Tag = 0x0181
	TagSocketData  envelope.Tag = 0x0182

	TagDNSResolve  envelope.Tag = 0x0201
	TagDNSResolved envelope.Tag = 0x0281
)

// ErrorReply is the common failure response of every family.
type ErrorReply struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (ErrorReply) Tag() envelope.Tag { return TagError }

// Err converts the reply back into a kernel error.
func (e ErrorReply) Err() error {
	kind, ok := ipcerr.ParseKind(e.Kind)
	if !ok {
		kind = ipcerr.KindUnknown
	}
	return ipcerr.New(kind, "remote", "%s", e.Message)
}

// ErrorFrom builds an ErrorReply from any error.
func ErrorFrom(err error) ErrorReply {
	return ErrorReply{Kind: ipcerr.KindOf(err).String(), Message: err.Error()}
}

// Encode builds an envelope for v.
func Encode(v Variant) (*envelope.Envelope, error) {
	fields, err := sonic.Marshal(v)
	if err != nil {
		return nil, ipcerr.New(ipcerr.InvalidArgument, "protocol_encode", "marshal %T: %v", v, err)
	}

	env := &envelope.Envelope{Tag: v.Tag(), Fields: fields}
	if pc, ok := v.(payloadSource); ok {
		env.Inline = pc.payload()
	}
	return env, nil
}

// Decode returns the variant carried by env.
func Decode(env *envelope.Envelope) (Variant, error) {
	var v Variant
	switch env.Tag {
	case TagError:
		v = &ErrorReply{}
	case TagSocketOpen:
		v = &SocketOpen{}
	case TagSocketSend:
		v = &SocketSend{}
	case TagSocketRecv:
		v = &SocketRecv{}
	case TagSocketClose:
		v = &SocketClose{}
	case TagSocketOK:
		v = &SocketOK{}
	case TagSocketData:
		v = &SocketData{}
	case TagDNSResolve:
		v = &DNSResolve{}
	case TagDNSResolved:
		v = &DNSResolved{}
	default:
		return nil, ipcerr.New(ipcerr.InvalidArgument, "protocol_decode", "unknown tag %#04x", uint16(env.Tag))
	}

	if len(env.Fields) > 0 {
		if err := sonic.Unmarshal(env.Fields, v); err != nil {
			return nil, ipcerr.New(ipcerr.InvalidArgument, "protocol_decode", "tag %#04x: %v", uint16(env.Tag), err)
		}
	}
	if pc, ok := v.(payloadSink); ok {
		pc.setPayload(env.Inline)
	}
	return v, nil
}

// DecodeReply decodes a response and turns an ErrorReply into an error.
func DecodeReply(env *envelope.Envelope) (Variant, error) {
	v, err := Decode(env)
	if err != nil {
		return nil, err
	}
	if e, ok := v.(*ErrorReply); ok {
		return nil, e.Err()
	}
	return v, nil
}
