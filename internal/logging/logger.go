package logging

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// For returns a logger tagged with the component name.
func For(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// Named returns a logger for one instance of a component, e.g. a module
// server for a given module name.
func Named(component, name string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Str("name", name).Logger()
}
