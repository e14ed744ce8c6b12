package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// Transaction is an authorization request waiting for the user's decision.
type Transaction struct {
	ID          string
	ClientID    string // internal client id
	RedirectURI string // where the response is sent

	// RequestedRedirectURI is redirect_uri as the client sent it, possibly
	// empty. The authorization code is bound to this value.
	RequestedRedirectURI string

	ResponseType string
	Scope        string
	State        string
	UserID       string
	CreatedAt    time.Time
}

// Transactions holds pending transactions. Each can be taken exactly once.
type Transactions struct {
	cache *ttlcache.Cache[string, *Transaction]
}

// NewTransactions creates a store whose entries expire after ttl.
func NewTransactions(ttl time.Duration) *Transactions {
	t := &Transactions{cache: ttlcache.New(
		ttlcache.WithTTL[string, *Transaction](ttl),
		ttlcache.WithDisableTouchOnHit[string, *Transaction](),
	)}
	go t.cache.Start()
	return t
}

// Put stores txn under a fresh id, which is written back to txn.ID.
func (t *Transactions) Put(txn *Transaction) string {
	txn.ID = uuid.NewString()
	txn.CreatedAt = time.Now()
	t.cache.Set(txn.ID, txn, ttlcache.DefaultTTL)
	return txn.ID
}

// Take removes and returns the transaction with id.
func (t *Transactions) Take(id string) (*Transaction, bool) {
	item, ok := t.cache.GetAndDelete(id)
	if !ok || item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Close stops the expiry goroutine.
func (t *Transactions) Close() { t.cache.Stop() }
