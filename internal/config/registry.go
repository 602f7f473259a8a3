package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/livecopilot/pkg/audio"
	"github.com/MrWong99/livecopilot/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	live   map[string]func(ProviderEntry) (live.Provider, error)
	input  map[string]func(AudioConfig) (audio.InputOpener, error)
	output map[string]func(AudioConfig) (audio.OutputOpener, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:   make(map[string]func(ProviderEntry) (live.Provider, error)),
		input:  make(map[string]func(AudioConfig) (audio.InputOpener, error)),
		output: make(map[string]func(AudioConfig) (audio.OutputOpener, error)),
	}
}

// RegisterLive registers a live session provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory func(ProviderEntry) (live.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterInput registers a capture backend factory under name.
func (r *Registry) RegisterInput(name string, factory func(AudioConfig) (audio.InputOpener, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input[name] = factory
}

// RegisterOutput registers a playback backend factory under name.
func (r *Registry) RegisterOutput(name string, factory func(AudioConfig) (audio.OutputOpener, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateLive instantiates the live provider registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLive(entry ProviderEntry) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateAudio builds a platform from the capture backend named by
// cfg.Input and the playback backend named by cfg.Output.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Platform, error) {
	r.mu.RLock()
	inFactory, inOK := r.input[cfg.Input]
	outFactory, outOK := r.output[cfg.Output]
	r.mu.RUnlock()
	if !inOK {
		return nil, fmt.Errorf("%w: audio input/%q", ErrProviderNotRegistered, cfg.Input)
	}
	if !outOK {
		return nil, fmt.Errorf("%w: audio output/%q", ErrProviderNotRegistered, cfg.Output)
	}

	in, err := inFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create audio input %q: %w", cfg.Input, err)
	}
	out, err := outFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create audio output %q: %w", cfg.Output, err)
	}
	return audio.Combine(in, out), nil
}
