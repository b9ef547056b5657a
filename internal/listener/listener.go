// Package listener implements the per-protocol listener supervisor
// (C10): one Listener per configured ApiService, started and stopped
// together by a Manager. spec.md §3/§9.
package listener

import (
	"context"
	"fmt"
	"sync"

	"github.com/wudi/spire/internal/logging"
	"go.uber.org/zap"
)

// Listener is satisfied by every protocol-specific listener this module
// builds: internal/listener.HTTPListener (http/https/http2/http2tls) and
// internal/proxy/tcp.Listener (tcp) both implement it without needing to
// import this package.
type Listener interface {
	ID() string
	Protocol() string
	Addr() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager owns every running Listener and starts/stops them together.
type Manager struct {
	mu        sync.RWMutex
	listeners map[string]Listener
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{listeners: make(map[string]Listener)}
}

// Add registers l. IDs must be unique (they're the ApiService's listen
// port as a string).
func (m *Manager) Add(l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.listeners[l.ID()]; exists {
		return fmt.Errorf("listener: id %s already registered", l.ID())
	}
	m.listeners[l.ID()] = l
	return nil
}

// Remove drops l from the manager without stopping it; callers use this
// after a successful Stop during a reload.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, id)
}

// Get returns the listener registered under id, if any.
func (m *Manager) Get(id string) (Listener, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listeners[id]
	return l, ok
}

// StartAll starts every registered listener concurrently and waits for
// each one's Start call to return (a successful Start settles once its
// socket is bound and serving in the background; a BindError returns
// immediately). A failing listener is logged and reported but does not
// stop the others — per spec.md §7, a BindError is fatal only for that
// one listener.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(listeners))
	for _, l := range listeners {
		wg.Add(1)
		l := l
		go func() {
			defer wg.Done()
			logging.Info("starting listener", zap.String("id", l.ID()), zap.String("protocol", l.Protocol()), zap.String("addr", l.Addr()))
			if err := l.Start(ctx); err != nil {
				err = fmt.Errorf("listener %s: %w", l.ID(), err)
				logging.Error("listener failed to start", zap.String("id", l.ID()), zap.Error(err))
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors starting listeners: %v", errs)
	}
	return nil
}

// StopAll gracefully stops every registered listener, waiting for all of
// them (bounded by ctx's deadline) before returning.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(listeners))
	for _, l := range listeners {
		wg.Add(1)
		l := l
		go func() {
			defer wg.Done()
			logging.Info("stopping listener", zap.String("id", l.ID()))
			if err := l.Stop(ctx); err != nil {
				errCh <- fmt.Errorf("listener %s: %w", l.ID(), err)
			}
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors stopping listeners: %v", errs)
	}
	return nil
}

// StopOne stops and unregisters a single listener by id, used by the
// admin reload path to tear down a port that disappeared from the new
// config without touching any other listener.
func (m *Manager) StopOne(ctx context.Context, id string) error {
	l, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("listener: id %s not registered", id)
	}
	if err := l.Stop(ctx); err != nil {
		return err
	}
	m.Remove(id)
	return nil
}

// Count returns the number of registered listeners.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}
