// Package sym defines the symbols used as structured log markers.
// They are stable across CLI output and the admin surface.
package sym

// System infrastructure symbols.
const (
	AM         = "≡" // configuration and system settings
	Pulse      = "꩜" // scheduled actions and the runner
	PulseOpen  = "✿" // graceful startup with orphaned action recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	UsedCSS    = "◈" // used-CSS jobs and their lifecycle
)

// Describe returns a short description for a symbol, or "" when unknown.
func Describe(symbol string) string {
	return descriptions[symbol]
}

var descriptions = map[string]string{
	AM:         "config",
	Pulse:      "scheduler",
	PulseOpen:  "scheduler startup",
	PulseClose: "scheduler shutdown",
	DB:         "database",
	UsedCSS:    "used css",
}
