// Package logx configures cronwheel's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Repetitive warnings rate limited (Throttle)
package logx
