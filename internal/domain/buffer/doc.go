// Package buffer implements the buffer transfer manager.
//
// Bulk data moves between V-Nodes as buffer handles rather than copies. A
// handle is owned by exactly one V-Node, attached to exactly one in-flight
// message, or mapped read-only by a set of sharers. Sending a handle in move
// mode hands ownership to the receiver and invalidates the sender's
// reference; share mode adds a read-only sharer.
//
// Features:
//   - Shared and DMA pools with fixed capacity
//   - Per-V-Node memory quotas charged in PageSize units
//   - Attach/Commit/Rollback so ownership changes exactly when a message is enqueued
//   - Revert for messages stranded in a destroyed endpoint
//   - Teardown reclamation of everything a V-Node held
//
// Example Usage:
//
//	mgr := buffer.NewManager(256<<20, 16<<20, logger)
//	h, _ := mgr.Allocate("dns-resolver", 4096, true)
//	tickets, _ := mgr.Attach("dns-resolver", []envelope.HandleRef{{ID: h.ID, Mode: envelope.Move}})
//	_, err := mgr.Commit(tickets, "mail-service")
//	err = mgr.Release("dns-resolver", h.ID) // ipcerr.Invalidated
package buffer
