package relay

import (
	"log/slog"
	"sync"
	"time"
)

// TokenPrefix is the tag carried by every bearer token the external
// identity surface mints.
const TokenPrefix = "xnt_"

// DefaultCallTimeout bounds how long a forwarded tool call may wait for
// the browser tab to answer.
const DefaultCallTimeout = 30 * time.Second

// Registry is the process-wide token→Session map. It is owned by the
// composition root and shared by the provider and MCP transports; sessions
// are created on first reference and never evicted.
type Registry struct {
	log         *slog.Logger
	callTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used by the registry and its sessions. If not
// provided, logs are discarded.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// WithCallTimeout overrides the per-call deadline for forwarded tool
// calls.
func WithCallTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// NewRegistry creates an empty session registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:         slog.New(slog.DiscardHandler),
		callTimeout: DefaultCallTimeout,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the Session for token, creating it on first
// reference. Tokens are opaque here; validation belongs to the transport
// boundary.
func (r *Registry) GetOrCreate(token string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok {
		s = newSession(token, r.log, r.callTimeout)
		r.sessions[token] = s
	}
	return s
}
