// Package logging provides structured logging for plumed.
//
// It wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Dual output (stdout + OpenTelemetry)
//   - Automatic context field injection (correlation_id, trace_id)
//   - Encoder-level secret redaction
//
// Create a logger from config:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
// Log with context:
//
//	ctx = logging.WithCorrelationID(ctx, id)
//	logger.Info(ctx, "action accepted", zap.String("action", "POST_CONTENT"))
//
// Output includes automatic correlation:
//
//	{
//	  "ts": "2026-08-23T10:15:30Z",
//	  "level": "info",
//	  "msg": "action accepted",
//	  "correlation_id": "9f2c...",
//	  "action": "POST_CONTENT"
//	}
//
// # Secret Redaction
//
// OAuth tokens, authorization codes, and API keys must never reach a log
// sink. Redaction happens at two layers:
//  1. Domain primitives (config.Secret type)
//  2. Encoder-level field name and pattern filtering
//
// Use helpers for manual redaction:
//
//	logger.Info(ctx, "token exchanged",
//	    logging.RedactedString("access_token", tok))
//
// # Testing
//
// Use TestLogger for assertions:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "test message", zap.String("key", "value"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "test message")
//	tl.AssertNoSecrets(t)
//
// Logger is safe for concurrent use. Child loggers (With, Named) are
// independent and do not affect parent or siblings.
package logging
