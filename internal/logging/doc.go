// Package logging provides structured, context-aware logging for codeindexd.
//
// It wraps go.uber.org/zap with methods that take a context.Context first,
// extracting trace and request correlation fields automatically. Components
// receive a *Logger and derive named children with Named.
package logging
