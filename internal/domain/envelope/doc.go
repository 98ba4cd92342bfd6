// Package envelope defines the IPC message envelope and its wire codec.
//
// An envelope carries a variant tag, a correlation id, small structured
// fields, an optional inline payload and up to MaxHandles buffer handles.
// The kernel encodes envelopes at send time and decodes them at receive
// time, so the receiver always gets its own copy of every byte and never
// aliases the sender's memory. Bulk data travels as buffer handles instead.
//
// Inline payloads of CompressThreshold bytes or more are zstd-compressed on
// the wire when that makes them smaller.
package envelope
