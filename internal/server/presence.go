// Package server tracks which identities are currently reachable and through
// which connections via the PresenceTable type.
package server

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"chatrelay/internal/identity"
)

// PresenceTable maps online user ids to their open connections. One identity
// may hold several simultaneous connections. It is the only state shared
// across connection goroutines; every operation holds the mutex for its whole
// duration and never blocks on I/O, so Add/Remove/Snapshot never interleave
// partially.
type PresenceTable struct {
	mu    sync.RWMutex
	conns map[string]map[*Client]struct{}
	names map[string]string
	owner map[*Client]string
}

// NewPresenceTable returns an empty table.
func NewPresenceTable() *PresenceTable {
	return &PresenceTable{
		conns: make(map[string]map[*Client]struct{}),
		names: make(map[string]string),
		owner: make(map[*Client]string),
	}
}

// Add registers a connection under its authenticated identity and reports
// whether it is the identity's first open connection.
func (p *PresenceTable) Add(id identity.Identity, client *Client) (first bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.conns[id.UserID]
	if !ok {
		set = make(map[*Client]struct{})
		p.conns[id.UserID] = set
		p.names[id.UserID] = id.DisplayName
	}
	set[client] = struct{}{}
	p.owner[client] = id.UserID
	return !ok
}

// Remove deregisters a connection from whichever identity currently holds it.
// It reports whether the connection was registered at all and whether it was
// the identity's last one. Removing an unknown connection is a no-op, which
// makes teardown safe to run more than once.
func (p *PresenceTable) Remove(client *Client) (found, last bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	userID, ok := p.owner[client]
	if !ok {
		return false, false
	}
	delete(p.owner, client)

	set := p.conns[userID]
	delete(set, client)
	if len(set) == 0 {
		// A user id key exists iff its set is non-empty.
		delete(p.conns, userID)
		delete(p.names, userID)
		return true, true
	}
	return true, false
}

// Roster returns the current presence snapshot, one entry per online
// identity, ordered by user id.
func (p *PresenceTable) Roster() []RosterEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := lo.MapToSlice(p.names, func(userID, name string) RosterEntry {
		return RosterEntry{UserID: userID, Username: name}
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

// Handles returns the open connections bound to any of the given user ids.
// Duplicate ids (a user messaging themselves) yield each connection once.
func (p *PresenceTable) Handles(userIDs ...string) []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := make(map[*Client]struct{})
	var handles []*Client
	for _, userID := range userIDs {
		for client := range p.conns[userID] {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			handles = append(handles, client)
		}
	}
	return handles
}

// AllHandles returns every open connection in the table.
func (p *PresenceTable) AllHandles() []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	handles := make([]*Client, 0, len(p.owner))
	for client := range p.owner {
		handles = append(handles, client)
	}
	return handles
}

// Len returns the number of open connections.
func (p *PresenceTable) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.owner)
}
