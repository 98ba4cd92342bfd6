// Package logging provides structured logging for the kernel using uber/zap.
//
// Two output modes:
//   - Production: JSON lines for machine parsing
//   - Development: colored console output for humans
//
// Every kernel component receives a named child logger so records can be
// filtered by subsystem (captable, transport, buffers, supervisor).
//
// Example Usage:
//
//	logger := logging.FromLevel("debug", true)
//	log := logger.Component("transport")
//	log.Info("endpoint opened", zap.String("name", "svc://dns"))
//	log.Warn("send denied", zap.String("vnode", "mail-service"), zap.Error(err))
package logging
