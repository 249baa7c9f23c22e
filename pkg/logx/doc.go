// Package logx provides the process-wide structured logging service.
//
// It wraps zerolog behind a small Logger facade so components can keep a
// logger value while sinks and levels are swapped at runtime via Apply().
// Supported sinks: console, append-only file, and a rate-limited chat sink
// that mirrors WARN+ lines into an ops group through the messaging adapter.
package logx
