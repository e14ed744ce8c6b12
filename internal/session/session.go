// Package session keeps browser login sessions and pending authorization
// transactions in memory.
package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// Store maps opaque session ids to the id of the logged-in user.
type Store struct {
	cache *ttlcache.Cache[string, string]
}

// NewStore creates a store whose sessions idle out after ttl. Every successful
// lookup extends the session.
func NewStore(ttl time.Duration) *Store {
	s := &Store{cache: ttlcache.New(ttlcache.WithTTL[string, string](ttl))}
	go s.cache.Start()
	return s
}

// Create starts a session for userID and returns its id.
func (s *Store) Create(userID string) string {
	id := uuid.NewString()
	s.cache.Set(id, userID, ttlcache.DefaultTTL)
	return id
}

// UserID returns the user behind session id.
func (s *Store) UserID(id string) (string, bool) {
	item := s.cache.Get(id)
	if item == nil {
		return "", false
	}
	return item.Value(), true
}

// Destroy ends a session.
func (s *Store) Destroy(id string) {
	s.cache.Delete(id)
}

// Len returns the number of live sessions.
func (s *Store) Len() int { return s.cache.Len() }

// Close stops the expiry goroutine.
func (s *Store) Close() { s.cache.Stop() }
