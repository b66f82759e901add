// Package history persists published device states in a local SQLite
// database so state changes survive bridge restarts and can be inspected
// after the fact. Retention is bounded: entries older than the configured
// window are pruned periodically.
package history
