package channels

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// Router dispatches messages to sinks by destination scheme.
type Router struct {
	mu    sync.RWMutex
	sinks map[string]Sink
	def   Sink

	logger *slog.Logger
}

// NewRouter returns a Router whose bare destinations go to def. def may be
// nil, in which case bare destinations fail with ErrNoSink.
func NewRouter(def Sink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{sinks: make(map[string]Sink), def: def, logger: logger}
	if def != nil {
		r.sinks[def.Name()] = def
	}
	return r
}

// Register adds s under s.Name(), replacing any sink of the same name.
func (r *Router) Register(s Sink) {
	r.mu.Lock()
	r.sinks[s.Name()] = s
	r.mu.Unlock()
}

// Resolve returns the sink and platform id for destination.
func (r *Router) Resolve(destination string) (Sink, string, error) {
	destination = strings.TrimSpace(destination)
	r.mu.RLock()
	defer r.mu.RUnlock()

	if scheme, rest, ok := strings.Cut(destination, ":"); ok {
		if s, found := r.sinks[strings.ToLower(scheme)]; found {
			return s, rest, nil
		}
	}
	if r.def == nil {
		return nil, "", &ErrNoSink{Destination: destination}
	}
	return r.def, destination, nil
}

// Send delivers text to destination.
func (r *Router) Send(ctx context.Context, text, destination string) error {
	s, id, err := r.Resolve(destination)
	if err != nil {
		return err
	}
	return s.Send(ctx, text, id)
}

// SendAll delivers text to every destination and returns how many
// succeeded along with the joined errors of the rest.
func (r *Router) SendAll(ctx context.Context, text string, destinations []string) (int, error) {
	var errs []error
	ok := 0
	for _, d := range destinations {
		if err := r.Send(ctx, text, d); err != nil {
			r.logger.Warn("channels: delivery failed", "destination", d, "error", err)
			errs = append(errs, err)
			continue
		}
		ok++
	}
	return ok, errors.Join(errs...)
}
