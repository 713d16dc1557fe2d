// Package logx is arpgbot's structured logging.
//
// logx.Logger wraps zerolog:
//   - console output is human readable with a short caller
//   - file output is JSON lines
//   - warn+ lines can be forwarded to an operator chat (see Sink)
package logx
