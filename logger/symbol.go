package logger

import (
	"go.uber.org/zap"

	"github.com/teranos/usedcss/sym"
)

// Symbols are logged as a structured field, never in the message.

// AddPulseSymbol adds the Pulse symbol (꩜) to an existing logger
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddUsedCSSSymbol adds the used-CSS symbol to an existing logger
func AddUsedCSSSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.UsedCSS)
}
