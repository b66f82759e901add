// Package logging provides structured logging built on log/slog.
//
// All components receive a *Logger (or a narrower interface) from the
// orchestrator; there is no package-level logger to avoid ambient state.
package logging
