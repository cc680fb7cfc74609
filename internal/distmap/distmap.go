// Package distmap holds the tracker's authoritative view of who has what:
// clients, files, fragments and the fragment ownership relation.
//
// Map is not safe for concurrent use. The tracker's state machine owns it
// and serializes every call.
package distmap

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/dmitrijs2005/fragnet/internal/models"
)

type client struct {
	endpoints map[string]struct{}
	fragments map[string]struct{}
}

type fragment struct {
	size   int64
	owners map[string]struct{}
}

// Map is the distribution map. The zero value is not usable; call New.
type Map struct {
	// endpoints indexes every client endpoint to its owning client id.
	endpoints map[string]string
	clients   map[string]*client
	files     map[string]models.FragmentedFile
	fragments map[string]*fragment
}

// New returns an empty map.
func New() *Map {
	m := &Map{}
	m.Clear()
	return m
}

// Clear resets m to empty.
func (m *Map) Clear() {
	m.endpoints = map[string]string{}
	m.clients = map[string]*client{}
	m.files = map[string]models.FragmentedFile{}
	m.fragments = map[string]*fragment{}
}

func (m *Map) ContainsClient(id string) bool {
	_, ok := m.clients[id]
	return ok
}

func (m *Map) ContainsFile(hash string) bool {
	_, ok := m.files[hash]
	return ok
}

func (m *Map) ContainsFragment(hash string) bool {
	_, ok := m.fragments[hash]
	return ok
}

// TryGetClientInfo returns a copy of the client's data.
func (m *Map) TryGetClientInfo(id string) (models.ClientInfo, bool) {
	c, ok := m.clients[id]
	if !ok {
		return models.ClientInfo{}, false
	}
	return models.ClientInfo{
		ID:        id,
		Endpoints: sortedKeys(c.endpoints),
		Fragments: sortedKeys(c.fragments),
	}, true
}

// TryGetFileInfo returns a copy of the file recipe.
func (m *Map) TryGetFileInfo(hash string) (models.FragmentedFile, bool) {
	f, ok := m.files[hash]
	if !ok {
		return models.FragmentedFile{}, false
	}
	return f.Clone(), true
}

// TryGetFragmentInfo returns the fragment with a copy of its owner set.
func (m *Map) TryGetFragmentInfo(hash string) (models.FragmentInfo, bool) {
	f, ok := m.fragments[hash]
	if !ok {
		return models.FragmentInfo{}, false
	}
	return models.FragmentInfo{
		Fragment: models.Fragment{Hash: hash, Size: f.size},
		Owners:   sortedKeys(f.owners),
	}, true
}

// EndpointConflicts returns the given endpoints already held by some client.
func (m *Map) EndpointConflicts(endpoints []string) []string {
	var out []string
	for _, e := range endpoints {
		if _, taken := m.endpoints[e]; taken {
			out = append(out, e)
		}
	}
	return out
}

// TryAddClient registers a client. It fails without mutation when the id is
// taken or an endpoint overlaps another client's. Listed fragments that are
// already known are linked to the new client; unknown ones are dropped.
func (m *Map) TryAddClient(id string, endpoints, fragments []string) bool {
	if id == "" || m.ContainsClient(id) || len(m.EndpointConflicts(endpoints)) > 0 {
		return false
	}

	c := &client{
		endpoints: make(map[string]struct{}, len(endpoints)),
		fragments: make(map[string]struct{}, len(fragments)),
	}
	for _, e := range endpoints {
		c.endpoints[e] = struct{}{}
		m.endpoints[e] = id
	}
	m.clients[id] = c

	for _, h := range fragments {
		m.AddFragmentOwnership(h, id)
	}

	return true
}

// TryAddFileInfo inserts a file recipe unless its hash is known.
func (m *Map) TryAddFileInfo(file models.FragmentedFile) bool {
	if file.Hash == "" || m.ContainsFile(file.Hash) {
		return false
	}
	m.files[file.Hash] = file.Clone()
	return true
}

// TryAddFragmentInfo inserts an owner-less fragment unless its hash is
// known. The fragment is forgotten again by the next ownership removal that
// leaves it without owners; callers link owners right after adding.
func (m *Map) TryAddFragmentInfo(hash string, size int64) bool {
	if hash == "" || size <= 0 || m.ContainsFragment(hash) {
		return false
	}
	m.fragments[hash] = &fragment{size: size, owners: map[string]struct{}{}}
	return true
}

// AddFragmentOwnership links a known fragment to a known client. Unknown
// references are ignored.
func (m *Map) AddFragmentOwnership(hash, clientID string) {
	f, ok := m.fragments[hash]
	if !ok {
		return
	}
	c, ok := m.clients[clientID]
	if !ok {
		return
	}
	f.owners[clientID] = struct{}{}
	c.fragments[hash] = struct{}{}
}

// AddFragmentOwnerships links hash to every listed client.
func (m *Map) AddFragmentOwnerships(hash string, clientIDs []string) {
	for _, id := range clientIDs {
		m.AddFragmentOwnership(hash, id)
	}
}

// RemoveFragmentOwnership unlinks one owner. A fragment left without owners
// is removed. It returns false when the link did not exist.
func (m *Map) RemoveFragmentOwnership(hash, clientID string) bool {
	f, ok := m.fragments[hash]
	if !ok {
		return false
	}
	if _, owns := f.owners[clientID]; !owns {
		return false
	}

	delete(f.owners, clientID)
	if c, ok := m.clients[clientID]; ok {
		delete(c.fragments, hash)
	}
	if len(f.owners) == 0 {
		delete(m.fragments, hash)
	}
	return true
}

// RemoveFile forgets a file recipe. Its fragments are not touched.
func (m *Map) RemoveFile(hash string) bool {
	if !m.ContainsFile(hash) {
		return false
	}
	delete(m.files, hash)
	return true
}

// RemoveFragment forgets a fragment and unlinks it from every owner.
func (m *Map) RemoveFragment(hash string) bool {
	f, ok := m.fragments[hash]
	if !ok {
		return false
	}
	for id := range f.owners {
		if c, ok := m.clients[id]; ok {
			delete(c.fragments, hash)
		}
	}
	delete(m.fragments, hash)
	return true
}

// RemoveClient forgets a client, frees its endpoints and unlinks it from
// every fragment. Fragments left without owners are removed.
func (m *Map) RemoveClient(id string) bool {
	c, ok := m.clients[id]
	if !ok {
		return false
	}

	for e := range c.endpoints {
		delete(m.endpoints, e)
	}
	for h := range c.fragments {
		f, ok := m.fragments[h]
		if !ok {
			continue
		}
		delete(f.owners, id)
		if len(f.owners) == 0 {
			delete(m.fragments, h)
		}
	}
	delete(m.clients, id)

	return true
}

// Clients returns all clients sorted by id.
func (m *Map) Clients() []models.ClientInfo {
	out := make([]models.ClientInfo, 0, len(m.clients))
	for _, id := range sortedKeys(m.clients) {
		ci, _ := m.TryGetClientInfo(id)
		out = append(out, ci)
	}
	return out
}

// ClientIDs returns the registered client ids, sorted.
func (m *Map) ClientIDs() []string {
	return sortedKeys(m.clients)
}

// Files returns all file recipes sorted by hash.
func (m *Map) Files() []models.FragmentedFile {
	out := make([]models.FragmentedFile, 0, len(m.files))
	for _, h := range sortedKeys(m.files) {
		out = append(out, m.files[h].Clone())
	}
	return out
}

// Fragments returns all fragments sorted by hash.
func (m *Map) Fragments() []models.FragmentInfo {
	out := make([]models.FragmentInfo, 0, len(m.fragments))
	for _, h := range sortedKeys(m.fragments) {
		fi, _ := m.TryGetFragmentInfo(h)
		out = append(out, fi)
	}
	return out
}

// EndpointsOf returns the sorted union of the given clients' endpoints.
func (m *Map) EndpointsOf(clientIDs []string) []string {
	set := map[string]struct{}{}
	for _, id := range clientIDs {
		if c, ok := m.clients[id]; ok {
			for e := range c.endpoints {
				set[e] = struct{}{}
			}
		}
	}
	return sortedKeys(set)
}

// ErrInvariant is wrapped by every Validate failure.
var ErrInvariant = errors.New("distribution map invariant violated")

// Validate checks every structural invariant of the map.
func (m *Map) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvariant}, args...)...))
	}

	seen := map[string]string{}
	for id, c := range m.clients {
		for e := range c.endpoints {
			if other, dup := seen[e]; dup {
				fail("endpoint %q shared by %q and %q", e, other, id)
			}
			seen[e] = id
			if m.endpoints[e] != id {
				fail("endpoint index for %q is %q, want %q", e, m.endpoints[e], id)
			}
		}
		for h := range c.fragments {
			f, ok := m.fragments[h]
			if !ok {
				fail("client %q holds unknown fragment %q", id, h)
				continue
			}
			if _, back := f.owners[id]; !back {
				fail("fragment %q does not list owner %q", h, id)
			}
		}
	}
	if len(seen) != len(m.endpoints) {
		fail("endpoint index has %d entries, clients have %d", len(m.endpoints), len(seen))
	}

	for h, f := range m.fragments {
		if len(f.owners) == 0 {
			fail("fragment %q has no owners", h)
		}
		for id := range f.owners {
			c, ok := m.clients[id]
			if !ok {
				fail("fragment %q owned by unknown client %q", h, id)
				continue
			}
			if _, back := c.fragments[h]; !back {
				fail("client %q does not list fragment %q", id, h)
			}
		}
	}

	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
