package services

import (
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.pilab.hu/authz/codec"
	"go.pilab.hu/authz/directory"
	"go.pilab.hu/authz/internal/auth"
	"go.pilab.hu/authz/internal/session"
	"go.pilab.hu/authz/memory"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		var err error
		testKey, err = codec.GenerateKey()
		require.NoError(t, err)
	})
	return testKey
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type harness struct {
	clock        *fakeClock
	codec        *codec.Codec
	store        *memory.TokenStore
	directory    *directory.Static
	tokens       *TokenService
	oauth        *OAuthService
	introspect   *IntrospectionService
	transactions *session.Transactions
}

// newHarness wires the services over the seeded directory and an in-memory
// store, all driven by one fake clock.
func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c, err := codec.New(signingKey(t), codec.WithClock(clock.Now))
	require.NoError(t, err)

	store := memory.NewTokenStore()
	dir := directory.Seed()
	transactions := session.NewTransactions(time.Minute)
	t.Cleanup(transactions.Close)

	tokens := NewTokenService(c, store, DefaultLifetimes(), clock.Now)
	validator := NewValidator(dir, auth.NewBcryptPasswordHasher(4))

	return &harness{
		clock:        clock,
		codec:        c,
		store:        store,
		directory:    dir,
		tokens:       tokens,
		oauth:        NewOAuthService(c, store, dir, validator, tokens, transactions, nil),
		introspect:   NewIntrospectionService(c, store, dir, clock.Now, nil),
		transactions: transactions,
	}
}

func ptr(s string) *string { return &s }
