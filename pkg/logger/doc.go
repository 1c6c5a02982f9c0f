// Package logger provides the structured logging interface of flickrtwin.
//
// It wraps zerolog with a small interface that every component accepts:
//   - Levels Debug, Info, Warn and Error
//   - Structured fields through WithField, WithFields and the *WithFields variants
//   - Colored console output, or plain output to a file
//   - A global logger for commands and components built without one
//
// Basic Usage:
//
//	err := logger.Initialize(&config.LoggingConfig{Level: "info"})
//
//	log := logger.WithField("component", "queue")
//	log.InfoWithFields("Cooldown", map[string]interface{}{
//	    "pending": 12,
//	    "wait":    time.Minute,
//	})
//
// Components take a Logger and fall back to the global one through OrDefault.
// Tests use NewNopLogger, or NewTestLogger to assert on captured messages.
package logger
