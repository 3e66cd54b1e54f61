// Package logx configures tgdigest's structured logging.
//
// logx.Logger is a thin wrapper over zerolog:
//   - console output with short timestamps and file:line callers
//   - optional JSON file sink
//   - optional forward sink that relays warnings to an operator chat
//
// The zero Logger is a no-op.
package logx
