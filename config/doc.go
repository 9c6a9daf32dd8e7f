// Package config assembles the service configuration.
//
// Values are layered from lowest to highest precedence: built-in defaults,
// a YAML file (Load), .env files and HANDBOOK_* environment variables
// (LoadDotEnv, ApplyEnv), then command line flags set by the caller.
// Validate normalizes the result and reports every invalid field at once.
package config
