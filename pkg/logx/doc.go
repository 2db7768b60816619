// Package logx is projcast's structured logging layer.
//
// A thin Logger value wraps zerolog so components can carry fixed fields
// (comp=..., session=...) without holding a *zerolog.Logger. Output goes to:
//   - the console, short timestamp and file:line caller
//   - an optional JSON file
//   - an optional chat sink (min level, rate limited, never blocks callers)
//
// Service.Apply swaps outputs at runtime; Loggers derived from a Service
// follow the swap.
package logx
