// Package mock provides scripted llm.Backend test doubles.
package mock

import (
	"context"
	"sync"

	"github.com/poiesic/handbook/llm"
)

// MockBackend is a test double for llm.Backend.
// With no injected behavior it echoes the prompt back as one data chunk.
type MockBackend struct {
	// LoadFunc is called by Load if set.
	LoadFunc func(ctx context.Context) error

	// GenerateFunc is called by Generate if set.
	GenerateFunc func(ctx context.Context, prompt string) (*llm.Stream, error)

	name string

	mu            sync.Mutex
	loaded        bool
	loadCount     int
	generateCount int
	prompts       []string
	closed        bool
}

var _ llm.Backend = (*MockBackend)(nil)

// NewMockBackend creates an echoing mock named name.
func NewMockBackend(name string) *MockBackend {
	return &MockBackend{name: name}
}

// NewScriptedBackend returns a mock that streams texts and ends normally.
func NewScriptedBackend(name string, texts ...string) *MockBackend {
	m := NewMockBackend(name)
	m.GenerateFunc = func(ctx context.Context, prompt string) (*llm.Stream, error) {
		return llm.FromChunks(ctx, nil, texts...), nil
	}
	return m
}

// NewFailingBackend returns a mock that streams partial and then fails with err.
// With no partial text, Generate itself returns err.
func NewFailingBackend(name string, err error, partial ...string) *MockBackend {
	m := NewMockBackend(name)
	m.GenerateFunc = func(ctx context.Context, prompt string) (*llm.Stream, error) {
		if len(partial) == 0 {
			return nil, err
		}
		return llm.FromChunks(ctx, err, partial...), nil
	}
	return m
}

// Name returns the configured name.
func (m *MockBackend) Name() string {
	return m.name
}

// Load records the call and marks the backend loaded unless LoadFunc fails.
func (m *MockBackend) Load(ctx context.Context) error {
	m.mu.Lock()
	m.loadCount++
	m.mu.Unlock()

	if m.LoadFunc != nil {
		if err := m.LoadFunc(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.loaded = true
	m.mu.Unlock()
	return nil
}

// Generate records the prompt and returns the scripted stream.
func (m *MockBackend) Generate(ctx context.Context, prompt string) (*llm.Stream, error) {
	m.mu.Lock()
	loaded := m.loaded
	m.generateCount++
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	if !loaded {
		return nil, llm.ErrNotLoaded
	}
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt)
	}
	return llm.FromChunks(ctx, nil, prompt), nil
}

// Close marks the backend closed.
func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// LoadCount returns the number of Load calls.
func (m *MockBackend) LoadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCount
}

// GenerateCount returns the number of Generate calls.
func (m *MockBackend) GenerateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generateCount
}

// Prompts returns every prompt passed to Generate.
func (m *MockBackend) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Closed reports whether Close was called.
func (m *MockBackend) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
