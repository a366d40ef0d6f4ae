// Package resource tracks transient in-memory image handles.
//
// A handle is a "blob:<uuid>" URL that resolves to bytes held by the
// Manager until it is revoked. Each handle belongs to a key (the image path
// that requested it); creating a new handle for a key revokes the previous
// one, so a slot never holds more than one live handle.
package resource

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Scheme prefixes every handle URL.
const Scheme = "blob:"

// Blob is the payload behind a handle.
type Blob struct {
	Data     []byte
	MIMEType string
}

// Handle is a live reference to a Blob.
type Handle struct {
	Key string
	URL string
}

// ID returns the uuid part of the handle URL.
func (h Handle) ID() string {
	return strings.TrimPrefix(h.URL, Scheme)
}

type entry struct {
	handle Handle
	blob   Blob
}

// Manager owns handle lifetimes. It is safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	byKey   map[string]*entry
	byURL   map[string]*entry
	created int
	revoked int
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		byKey: make(map[string]*entry),
		byURL: make(map[string]*entry),
	}
}

// Create stores blob under key and returns a new handle, revoking any handle
// previously held by key.
func (m *Manager) Create(key string, blob Blob) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.revokeLocked(key)

	e := &entry{
		handle: Handle{Key: key, URL: Scheme + uuid.NewString()},
		blob:   blob,
	}
	m.byKey[key] = e
	m.byURL[e.handle.URL] = e
	m.created++
	return e.handle
}

// Get returns the live handle for key.
func (m *Manager) Get(key string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byKey[key]
	if !ok {
		return Handle{}, false
	}
	return e.handle, true
}

// Lookup resolves a handle URL to its blob. Revoked handles do not resolve.
func (m *Manager) Lookup(url string) (Blob, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byURL[url]
	if !ok {
		return Blob{}, false
	}
	return e.blob, true
}

// Revoke releases the handle held by key, if any.
func (m *Manager) Revoke(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokeLocked(key)
}

func (m *Manager) revokeLocked(key string) {
	e, ok := m.byKey[key]
	if !ok {
		return
	}
	delete(m.byKey, key)
	delete(m.byURL, e.handle.URL)
	e.blob = Blob{}
	m.revoked++
}

// RevokeAll releases every handle.
func (m *Manager) RevokeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.byKey {
		m.revokeLocked(key)
	}
}

// Len returns the number of live handles.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey)
}

// Stats returns how many handles were created and revoked so far.
func (m *Manager) Stats() (created, revoked int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.created, m.revoked
}
