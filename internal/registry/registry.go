// Package registry tracks which (user, thread) a live transport connection
// is attached to. It holds no durable state; a process restart empties it.
package registry

import (
	"hash/fnv"
	"sync"
)

// Binding is the session a connection currently belongs to. ThreadID 0
// means the connection has not joined a thread yet.
type Binding struct {
	ConnectionID string
	UserID       int64
	ThreadID     int64
}

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

// Registry maps connection ids to bindings. Mutations on different
// connections land on independent shards and do not contend.
type Registry struct {
	shards [shardCount]*shard
}

func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{bindings: make(map[string]Binding)}
	}
	return r
}

func (r *Registry) shardFor(connectionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(connectionID))
	return r.shards[h.Sum32()%shardCount]
}

// Bind records the binding for a connection, overwriting any prior one
// (last join wins). The displaced binding, if any, is returned so the
// caller can unsubscribe it from its old group.
func (r *Registry) Bind(connectionID string, userID, threadID int64) (Binding, bool) {
	s := r.shardFor(connectionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.bindings[connectionID]
	s.bindings[connectionID] = Binding{
		ConnectionID: connectionID,
		UserID:       userID,
		ThreadID:     threadID,
	}
	return prev, had
}

// Unbind removes the binding for a connection. Unbinding an unknown
// connection is a no-op.
func (r *Registry) Unbind(connectionID string) (Binding, bool) {
	s := r.shardFor(connectionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.bindings[connectionID]
	if had {
		delete(s.bindings, connectionID)
	}
	return prev, had
}

func (r *Registry) Lookup(connectionID string) (Binding, bool) {
	s := r.shardFor(connectionID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[connectionID]
	return b, ok
}

// Len reports the number of live bindings across all shards.
func (r *Registry) Len() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.bindings)
		s.mu.RUnlock()
	}
	return total
}
