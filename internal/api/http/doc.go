// Package http implements the kernel's admin REST API: V-Node lifecycle,
// capability administration, and read-only views of endpoints, buffer
// pools, and the scheduler.
package http
