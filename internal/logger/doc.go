// Package logger provides a small wrapper around zap to offer:
//   - a global sugared logger with a console encoder,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level configuration and parsing utilities,
//   - a line writer that turns child process output into log records.
//
// All services accept a context and extract the logger from it, so every
// sidecar gets its own scoped, structured log stream.
package logger
