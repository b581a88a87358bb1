// Package logx configures jarvis' structured logging.
//
// Components receive a logx.Logger (a small value wrapper on top of zerolog) to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Level and sinks swappable at runtime via Service.Apply
package logx
