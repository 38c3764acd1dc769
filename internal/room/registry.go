package room

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/draftwell/roomhost/internal/auth"
	"github.com/draftwell/roomhost/internal/blob"
)

// Options configures the registry and every actor it creates.
type Options struct {
	Store           blob.Store
	Verifier        *auth.Verifier
	Prober          ImageProber
	PersistInterval time.Duration
	Logger          *zap.Logger
	EngineFactory   EngineFactory
}

// Registry hands out at most one actor per room key for the lifetime of the
// process. All callers touching the same room go through the same actor.
type Registry struct {
	opts   Options
	mu     sync.Mutex
	actors map[string]*Actor
}

func NewRegistry(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("room: registry requires a store")
	}
	if opts.Verifier == nil {
		return nil, fmt.Errorf("room: registry requires a token verifier")
	}
	if opts.PersistInterval <= 0 {
		opts.PersistInterval = DefaultPersistInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{opts: opts, actors: make(map[string]*Actor)}, nil
}

// Get returns the actor for the descriptor, creating it under the registry
// lock so concurrent first requests converge on one actor.
func (r *Registry) Get(desc Descriptor) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if actor, ok := r.actors[desc.RoomKey]; ok {
		return actor, nil
	}
	actor, err := newActor(desc, r.opts)
	if err != nil {
		return nil, err
	}
	r.actors[desc.RoomKey] = actor
	return actor, nil
}

// Close stops every actor's pending persistence. Used on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, actor := range r.actors {
		actors = append(actors, actor)
	}
	r.mu.Unlock()

	for _, actor := range actors {
		actor.Stop()
	}
}
