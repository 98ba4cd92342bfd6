package protocol

import "github.com/GriffinCanCode/AetherOS/core/internal/domain/envelope"

// Socket family, served on svc://socket-api.

// SocketOpen asks for a new socket bound to a network and address.
type SocketOpen struct {
	Network string `json:"network"`
	Address string `json:"address"`
}

func (SocketOpen) Tag() envelope.Tag { return TagSocketOpen }

// SocketSend writes Data to an open socket.
type SocketSend struct {
	Socket uint32 `json:"socket"`
	Data   []byte `json:"-"`
}

func (SocketSend) Tag() envelope.Tag { return TagSocketSend }
func (s SocketSend) payload() []byte { return s.Data }
func (s *SocketSend) setPayload(b []byte) {
	s.Data = b
}

// SocketRecv reads up to Max bytes from a socket.
type SocketRecv struct {
	Socket uint32 `json:"socket"`
	Max    int    `json:"max"`
}

func (SocketRecv) Tag() envelope.Tag { return TagSocketRecv }

// SocketClose closes a socket.
type SocketClose struct {
	Socket uint32 `json:"socket"`
}

func (SocketClose) Tag() envelope.Tag { return TagSocketClose }

// SocketOK acknowledges open, send and close. N is the byte count for sends.
type SocketOK struct {
	Socket uint32 `json:"socket"`
	N      int    `json:"n,omitempty"`
}

func (SocketOK) Tag() envelope.Tag { return TagSocketOK }

// SocketData answers SocketRecv.
type SocketData struct {
	Socket uint32 `json:"socket"`
	Data   []byte `json:"-"`
}

func (SocketData) Tag() envelope.Tag { return TagSocketData }
func (s SocketData) payload() []byte { return s.Data }
func (s *SocketData) setPayload(b []byte) {
	s.Data = b
}
