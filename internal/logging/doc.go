// Package logging builds the zap loggers used across the server.
//
// Production mode writes JSON lines; development mode (LOG_DEV=true) writes
// colored console output. Components receive a *zap.Logger and name it
// after themselves:
//
//	log := logging.NewDefault()
//	reg := session.NewRegistry(session.Options{Logger: log})
package logging
