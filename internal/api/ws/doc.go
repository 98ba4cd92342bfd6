// Package ws streams V-Node lifecycle events to WebSocket clients.
package ws
