// Package logx configures tt2tg's structured logging.
//
// A small value-type Logger sits on top of zerolog:
//   - console output stays readable (short timestamp + file:line caller)
//   - file output is JSON
//   - an optional Telegram sink forwards warnings to an ops chat, rate limited
package logx
