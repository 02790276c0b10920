// Package topology holds one server's view of which client identities
// are reachable where. The view is eventually consistent: it is updated
// only by local registration events and announcements received on peer
// links, never by shared memory between servers.
package topology

import "sync"

type RouteKind uint8

const (
	RouteKind_Local RouteKind = iota
	RouteKind_ViaPeer
)

// RouteEntry resolves an identity to a destination: attached to this
// server, or reachable through a named peer link. Hops is the announced
// distance, retained for diagnostics and the optional shortest-path
// tie-break.
type RouteEntry struct {
	Kind RouteKind
	Peer string
	Hops int
}

func Local() RouteEntry {
	return RouteEntry{Kind: RouteKind_Local}
}

func ViaPeer(peer string, hops int) RouteEntry {
	return RouteEntry{Kind: RouteKind_ViaPeer, Peer: peer, Hops: hops}
}

type Table struct {
	mut_routes sync.RWMutex
	routes     map[string]RouteEntry
}

func NewTable() *Table {
	return &Table{
		routes: make(map[string]RouteEntry),
	}
}

// Update records a route for an identity. Conflicting announcements
// resolve last-writer-wins on receipt order: whatever arrives last
// overwrites, regardless of hop distance.
func (t *Table) Update(identity string, entry RouteEntry) {
	t.mut_routes.Lock()
	defer t.mut_routes.Unlock()

	t.routes[identity] = entry
}

// Remove drops the route for a single identity. Reports whether a route
// existed.
func (t *Table) Remove(identity string) bool {
	t.mut_routes.Lock()
	defer t.mut_routes.Unlock()

	_, had := t.routes[identity]
	delete(t.routes, identity)
	return had
}

// RemovePeer invalidates every route that points through the named peer
// and returns the identities that just became unreachable, so the
// caller can flood retractions. No stale route survives a link loss.
func (t *Table) RemovePeer(peerName string) []string {
	t.mut_routes.Lock()
	defer t.mut_routes.Unlock()

	var gone []string
	for identity, entry := range t.routes {
		if entry.Kind == RouteKind_ViaPeer && entry.Peer == peerName {
			delete(t.routes, identity)
			gone = append(gone, identity)
		}
	}
	return gone
}

// Resolve returns the current route for an identity. The second return
// is false when the identity is unknown.
func (t *Table) Resolve(identity string) (RouteEntry, bool) {
	t.mut_routes.RLock()
	defer t.mut_routes.RUnlock()

	entry, ok := t.routes[identity]
	return entry, ok
}

// Identities returns a snapshot of every known identity.
func (t *Table) Identities() []string {
	t.mut_routes.RLock()
	defer t.mut_routes.RUnlock()

	out := make([]string, 0, len(t.routes))
	for identity := range t.routes {
		out = append(out, identity)
	}
	return out
}

// LocalIdentities returns a snapshot of identities attached to this
// server, used to sync a freshly established peer link.
func (t *Table) LocalIdentities() []string {
	t.mut_routes.RLock()
	defer t.mut_routes.RUnlock()

	var out []string
	for identity, entry := range t.routes {
		if entry.Kind == RouteKind_Local {
			out = append(out, identity)
		}
	}
	return out
}
