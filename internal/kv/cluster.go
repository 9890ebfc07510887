package kv

import (
	"context"
	"sync"
)

// Cluster simulates a replicated store shared by several devices. Each
// Replica sees its own writes immediately. Synchronize publishes a replica's
// writes to the cluster, but other replicas observe them only after Settle,
// which models propagation: every published key resolves last-writer-wins
// by a cluster-wide sequence number and the result is copied everywhere.
type Cluster struct {
	mu        sync.Mutex
	seq       uint64
	published map[string]entry
	replicas  []*Replica
}

type entry struct {
	value   string
	deleted bool
	seq     uint64
}

// NewCluster returns an empty cluster.
func NewCluster() *Cluster {
	return &Cluster{published: make(map[string]entry)}
}

// Replica returns a new device view attached to the cluster. The replica
// starts with whatever the cluster has already settled.
func (c *Cluster) Replica() *Replica {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := &Replica{cluster: c, local: make(map[string]entry), dirty: make(map[string]bool)}
	for k, e := range c.published {
		r.local[k] = e
	}

	c.replicas = append(c.replicas, r)

	return r
}

// Settle propagates every published write to every replica. Local writes a
// replica has not yet synchronized survive only if they are newer than the
// published value.
func (c *Cluster) Settle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.replicas {
		r.mu.Lock()

		for k, pub := range c.published {
			if cur, ok := r.local[k]; !ok || cur.seq < pub.seq {
				r.local[k] = pub
				delete(r.dirty, k)
			}
		}

		r.mu.Unlock()
	}
}

func (c *Cluster) next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++

	return c.seq
}

func (c *Cluster) publish(writes map[string]entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range writes {
		if cur, ok := c.published[k]; !ok || cur.seq < e.seq {
			c.published[k] = e
		}
	}
}

// Replica is one device's view of a Cluster. It implements Store.
type Replica struct {
	cluster *Cluster

	mu    sync.Mutex
	local map[string]entry
	dirty map[string]bool
}

// Get returns the replica's current view of key.
func (r *Replica) Get(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.local[key]
	if !ok || e.deleted {
		return "", false
	}

	return e.value, true
}

// Set writes key locally.
func (r *Replica) Set(key, value string) {
	r.write(key, entry{value: value})
}

// Delete records a tombstone for key locally.
func (r *Replica) Delete(key string) {
	r.write(key, entry{deleted: true})
}

func (r *Replica) write(key string, e entry) {
	e.seq = r.cluster.next()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.local[key] = e
	r.dirty[key] = true
}

// Keys returns the sorted live keys with prefix.
func (r *Replica) Keys(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := make(map[string]struct{}, len(r.local))
	for k, e := range r.local {
		if !e.deleted {
			live[k] = struct{}{}
		}
	}

	return sortedKeys(live, prefix)
}

// Synchronize publishes this replica's pending writes. It does not pull;
// remote writes arrive on Settle.
func (r *Replica) Synchronize(context.Context) bool {
	r.mu.Lock()

	writes := make(map[string]entry, len(r.dirty))
	for k := range r.dirty {
		writes[k] = r.local[k]
	}

	r.dirty = make(map[string]bool)
	r.mu.Unlock()

	r.cluster.publish(writes)

	return true
}
