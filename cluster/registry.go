package cluster

import "time"

// Registry owns every Node value in the cluster by id (§4.2, C2). All
// cross-node references (replica->primary, primary->replicas) are id
// lookups against this registry; nothing outside it holds an owning
// pointer to a Node.
type Registry struct {
	nodes     map[NodeID]*Node
	shards    map[NodeID][]NodeID // shard id -> ordered member node ids
	blacklist map[NodeID]time.Time // forgotten node id -> re-admit deadline
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes:     make(map[NodeID]*Node),
		shards:    make(map[NodeID][]NodeID),
		blacklist: make(map[NodeID]time.Time),
	}
}

// Get looks up a node by id.
func (r *Registry) Get(id NodeID) (*Node, bool) {
	n, ok := r.nodes[id]
	return n, ok
}

// Insert adds a node to the registry and to its shard index.
func (r *Registry) Insert(n *Node) {
	r.nodes[n.ID] = n
	r.AddToShard(n.ShardID, n.ID)
}

// Delete removes a node from the registry and its shard index.
func (r *Registry) Delete(id NodeID) {
	if n, ok := r.nodes[id]; ok {
		r.RemoveFromShard(n.ShardID, id)
	}
	delete(r.nodes, id)
}

// Rename moves a node from oldID to newID: delete-under-old-name then
// insert-under-new-name, used right after a handshake resolves a peer's
// real identity (§4.2).
func (r *Registry) Rename(oldID, newID NodeID) {
	n, ok := r.nodes[oldID]
	if !ok {
		return
	}
	r.Delete(oldID)
	n.ID = newID
	r.Insert(n)
}

// All returns every node currently registered. Callers must not mutate
// the returned slice's backing node pointers' identity fields while
// iterating a gossip round.
func (r *Registry) All() []*Node {
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// Len reports the number of known nodes.
func (r *Registry) Len() int { return len(r.nodes) }

// AddToShard appends id to shard's member list, skipping duplicates.
func (r *Registry) AddToShard(shard, id NodeID) {
	members := r.shards[shard]
	for _, m := range members {
		if m == id {
			return
		}
	}
	r.shards[shard] = append(members, id)
}

// RemoveFromShard deletes id from shard's member list; an emptied shard
// entry is dropped entirely.
func (r *Registry) RemoveFromShard(shard, id NodeID) {
	members := r.shards[shard]
	for i, m := range members {
		if m == id {
			members = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(r.shards, shard)
	} else {
		r.shards[shard] = members
	}
}

// ShardMembers returns the node ids sharing shard.
func (r *Registry) ShardMembers(shard NodeID) []NodeID {
	return r.shards[shard]
}

// cleanupBlacklist drops every blacklist entry whose re-admit deadline has
// passed. Bounded by the number of recent FORGETs, scanned before every
// add/exists query per §4.2.
func (r *Registry) cleanupBlacklist(now time.Time) {
	for id, deadline := range r.blacklist {
		if !now.Before(deadline) {
			delete(r.blacklist, id)
		}
	}
}

// Blacklist adds id to the forgotten-node blacklist until now+ttl; a
// gossip entry or MEET naming a blacklisted id is ignored until the TTL
// passes (§3 Lifecycle).
func (r *Registry) Blacklist(id NodeID, now time.Time, ttl time.Duration) {
	r.cleanupBlacklist(now)
	r.blacklist[id] = now.Add(ttl)
}

// IsBlacklisted reports whether id is still under a FORGET TTL.
func (r *Registry) IsBlacklisted(id NodeID, now time.Time) bool {
	r.cleanupBlacklist(now)
	_, ok := r.blacklist[id]
	return ok
}
