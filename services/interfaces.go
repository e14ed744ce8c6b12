package services

import (
	"time"

	"go.pilab.hu/authz/codec"
)

// CredentialCodec mints and checks the signed bearer strings.
type CredentialCodec interface {
	Issue(subject string, ttl time.Duration) (string, error)
	Verify(wire string) (*codec.Envelope, error)
	DecodeIdentifier(wire string) (string, error)
}

// SecretVerifier compares a stored secret with a supplied one.
type SecretVerifier interface {
	Verify(stored, supplied string) error
}

var _ CredentialCodec = (*codec.Codec)(nil)
