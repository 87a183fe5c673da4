// Package config loads server configuration from the environment.
//
// Every setting has a default; command-line flags on the server binary
// override the environment.
//
// Environment Variables:
//   - PORT, HOST, STATIC_DIR
//   - MAX_SESSIONS, SESSION_SHELL, MAX_BUFFER_BYTES
//   - IDLE_TIMEOUT, CLEANUP_INTERVAL, GRACE_PERIOD, STARTUP_DELAY
//   - TERM_COLS, TERM_ROWS
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST
package config
