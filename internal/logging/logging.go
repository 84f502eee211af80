// Package logging constructs the single zap.Logger instance that is passed
// by constructor injection into every other package in this module. No
// package in this module reaches for a package-level logger global.
package logging

import "go.uber.org/zap"

// New builds a logger appropriate for the given environment name
// ("production", "development", or anything else, which falls back to a
// no-op logger so tests stay quiet by default).
func New(environment string) (*zap.Logger, error) {
	switch environment {
	case "production":
		return zap.NewProduction()
	case "development":
		return zap.NewDevelopment()
	default:
		return zap.NewNop(), nil
	}
}
