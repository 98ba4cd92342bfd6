// Package server assembles the admin HTTP server: middleware, REST routes,
// the event stream and the Prometheus scrape endpoint.
package server
