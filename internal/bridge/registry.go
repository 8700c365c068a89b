package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chatbubble/internal/store"
	"github.com/ashureev/chatbubble/internal/widget"
)

const (
	sweepInterval = 5 * time.Minute
	// storeRetention is how long an untouched visitor namespace is kept.
	storeRetention = 30 * 24 * time.Hour
)

type visitor struct {
	engine   *widget.Engine
	lastSeen time.Time
}

// Registry owns one widget engine per visitor, created on first use over the
// visitor's store namespace.
type Registry struct {
	kv      store.Namespaced
	backend widget.Backend
	opts    widget.Options
	sockets *SocketManager
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRegistry creates a registry. opts is the template for every engine; its
// LoginListener is replaced by one that pushes a login event to the
// visitor's sockets.
func NewRegistry(kv store.Namespaced, backend widget.Backend, opts widget.Options, sockets *SocketManager) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		kv:       kv,
		backend:  backend,
		opts:     opts,
		sockets:  sockets,
		logger:   logger,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Engine returns the visitor's engine, loading it from the store if needed.
func (r *Registry) Engine(ctx context.Context, visitorID string) (*widget.Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.visitors[visitorID]; ok {
		v.lastSeen = r.now()
		return v.engine, nil
	}

	opts := r.opts
	opts.Logger = r.logger.With("visitor_id", visitorID)
	opts.LoginListener = func(token, refreshToken string, expiresIn int64) {
		r.sockets.Broadcast(visitorID, Event{Type: EventLogin, Value: LoginPayload{
			Token:        token,
			RefreshToken: refreshToken,
			ExpiresIn:    expiresIn,
		}})
	}

	engine, err := widget.New(ctx, opts, r.kv.Namespace(visitorID), nil, r.backend)
	if err != nil {
		return nil, fmt.Errorf("create engine for %s: %w", visitorID, err)
	}
	engine.Start()

	r.visitors[visitorID] = &visitor{engine: engine, lastSeen: r.now()}
	r.logger.Info("Visitor engine created", "visitor_id", visitorID, "session_id", engine.SessionID())
	return engine, nil
}

// Touch marks a visitor as active.
func (r *Registry) Touch(visitorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.visitors[visitorID]; ok {
		v.lastSeen = r.now()
	}
}

// Len returns the number of loaded engines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visitors)
}

// Reset forgets everything stored for a visitor. The loaded engine is closed
// first so a turn still in flight cannot write the old history back. Open
// sockets get a reset event and are closed so the page starts over.
func (r *Registry) Reset(ctx context.Context, visitorID string) error {
	r.mu.Lock()
	v, loaded := r.visitors[visitorID]
	delete(r.visitors, visitorID)
	r.mu.Unlock()

	if loaded {
		v.engine.Close()
	}

	deleted, err := r.kv.DeleteNamespace(ctx, visitorID)
	if err != nil {
		return fmt.Errorf("reset visitor %s: %w", visitorID, err)
	}

	r.sockets.Broadcast(visitorID, Event{Type: EventReset})
	r.sockets.CloseVisitor(visitorID, "session reset")
	r.logger.Info("Visitor reset", "visitor_id", visitorID, "keys_deleted", deleted)
	return nil
}

// StartSweeper periodically drops engines that have no open socket and have
// been idle longer than ttl, and deletes store namespaces untouched for
// storeRetention.
func (r *Registry) StartSweeper(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("Idle sweeper started", "interval", sweepInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				r.Sweep(ctx, ttl)
			case <-ctx.Done():
				r.logger.Info("Idle sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep runs one sweeper pass.
func (r *Registry) Sweep(ctx context.Context, ttl time.Duration) {
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	var dropped []*widget.Engine
	for visitorID, v := range r.visitors {
		if v.lastSeen.After(cutoff) || r.sockets.Count(visitorID) > 0 {
			continue
		}
		delete(r.visitors, visitorID)
		dropped = append(dropped, v.engine)
		r.logger.Debug("Dropping idle visitor engine", "visitor_id", visitorID, "last_seen", v.lastSeen)
	}
	r.mu.Unlock()

	for _, engine := range dropped {
		engine.Wait()
	}
	if len(dropped) > 0 {
		r.logger.Info("Idle sweeper dropped engines", "count", len(dropped))
	}

	stale, err := r.kv.IdleNamespaces(ctx, storeRetention)
	if err != nil {
		r.logger.Error("Idle sweeper failed to list stale namespaces", "error", err)
		return
	}
	for _, ns := range stale {
		r.mu.Lock()
		_, loaded := r.visitors[ns]
		r.mu.Unlock()
		if loaded {
			continue
		}
		if _, err := r.kv.DeleteNamespace(ctx, ns); err != nil {
			r.logger.Warn("Idle sweeper failed to delete namespace", "namespace", ns, "error", err)
		}
	}
	if len(stale) > 0 {
		r.logger.Info("Idle sweeper purged stale namespaces", "count", len(stale))
	}
}
