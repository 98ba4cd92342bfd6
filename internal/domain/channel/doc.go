// Package channel implements capability-checked message endpoints.
//
// An endpoint is a bounded FIFO addressed by a logical svc:// name and owned
// by the V-Node that opened it. Senders need Connect and Write on the name,
// the owner receives with Accept and Read. Buffer handles named in an
// envelope change hands in the same step that enqueues the message.
//
// Features:
//   - Blocking, non-blocking and deadline-bounded send and receive
//   - Call/reply with correlation ids and a one-shot reply right
//   - Kernel-stamped sender identity on every delivered envelope
//   - Revocation wakes blocked operations, which then fail the re-check
//   - Closing an endpoint reverts queued buffer transfers
//
// Example Usage:
//
//	tr := channel.New(caps, buffers, scheduler, logger)
//	tr.Open("dns-resolver", "svc://dns", 16)
//	err := tr.Send(ctx, "mail-service", "svc://dns", env, channel.Options{Timeout: time.Second})
//	req, _ := tr.Receive(ctx, "dns-resolver", "svc://dns", channel.Options{})
package channel
