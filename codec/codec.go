// Package codec issues and verifies the signed bearer strings used as
// authorization codes, access tokens and refresh tokens.
//
// Every credential is an RS256 JWT carrying only a random jti, a subject hint
// and an expiry. Stores key their records by the jti, so the wire value itself
// is never persisted.
package codec

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidSignature = errors.New("credential signature is invalid")
	ErrExpired          = errors.New("credential has expired")
	ErrMalformed        = errors.New("credential is malformed")
)

// Envelope is the verified content of a credential.
type Envelope struct {
	ID        string
	Subject   string
	ExpiresAt time.Time
}

// Codec signs and verifies credentials with a single RSA key pair.
type Codec struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      string
	now        func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock replaces the wall clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// WithKeyID sets the kid header of issued credentials.
func WithKeyID(kid string) Option {
	return func(c *Codec) { c.keyID = kid }
}

// New creates a Codec signing with privateKey.
func New(privateKey *rsa.PrivateKey, opts ...Option) (*Codec, error) {
	if privateKey == nil {
		return nil, errors.New("codec: signing key is required")
	}

	c := &Codec{
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.keyID == "" {
		c.keyID = Thumbprint(c.publicKey)
	}

	return c, nil
}

// KeyID returns the kid stamped on issued credentials.
func (c *Codec) KeyID() string { return c.keyID }

// PublicKey returns the verification key.
func (c *Codec) PublicKey() *rsa.PublicKey { return c.publicKey }

// Issue mints a credential for subject that expires after ttl.
func (c *Codec) Issue(subject string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(c.now().Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = c.keyID

	signed, err := token.SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign credential: %w", err)
	}

	return signed, nil
}

// Verify checks the signature and expiry of wire and returns its envelope.
// It fails with ErrExpired or ErrInvalidSignature; malformed input counts as an
// invalid signature.
func (c *Codec) Verify(wire string) (*Envelope, error) {
	claims := &jwt.RegisteredClaims{}

	_, err := jwt.ParseWithClaims(wire, claims,
		func(*jwt.Token) (any, error) { return c.publicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidSignature)
	}

	return &Envelope{
		ID:        claims.ID,
		Subject:   claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// DecodeIdentifier extracts the jti of wire without checking its signature.
// The result is a storage key only and must never be taken as proof of anything.
func (c *Codec) DecodeIdentifier(wire string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(wire, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if claims.ID == "" {
		return "", fmt.Errorf("%w: missing jti", ErrMalformed)
	}

	return claims.ID, nil
}
