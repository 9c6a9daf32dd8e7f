package llm

import (
	"context"
	"fmt"
	"strings"
)

// Backend generates text from a prompt as a lazy stream of chunks.
// Implementations must be safe for concurrent use once loaded.
type Backend interface {
	// Name identifies the backend in logs and monitors.
	Name() string

	// Load prepares the backend. Calling it again after success is a no-op.
	Load(ctx context.Context) error

	// Generate starts a generation. The returned stream always ends with an
	// End or Error chunk. Fails with ErrNotLoaded before Load.
	Generate(ctx context.Context, prompt string) (*Stream, error)

	// Close releases client resources.
	Close() error
}

// Preference selects which backend answers first.
type Preference string

const (
	// Local prefers the self-hosted engine and falls back to Remote.
	Local Preference = "local"
	// Remote uses only the hosted API.
	Remote Preference = "remote"
)

// ParsePreference converts a configuration value to a Preference.
func ParsePreference(s string) (Preference, error) {
	switch p := Preference(strings.ToLower(strings.TrimSpace(s))); p {
	case Local, Remote:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPreference, s)
	}
}

func (p Preference) String() string {
	return string(p)
}
