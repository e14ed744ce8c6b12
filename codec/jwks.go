package codec

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
)

// JSONWebKey is the public half of the signing key in JWK form.
type JSONWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JSONWebKeySet is served to resource servers that verify tokens offline.
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// JWKS returns the verification key set.
func (c *Codec) JWKS() JSONWebKeySet {
	return JSONWebKeySet{Keys: []JSONWebKey{{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: c.keyID,
		N:   encodeInt(c.publicKey.N),
		E:   encodeInt(big.NewInt(int64(c.publicKey.E))),
	}}}
}

// Thumbprint computes the RFC 7638 thumbprint of key.
func Thumbprint(key *rsa.PublicKey) string {
	// Members in lexicographic order, no whitespace.
	canonical, _ := json.Marshal(struct {
		E   string `json:"e"`
		Kty string `json:"kty"`
		N   string `json:"n"`
	}{
		E:   encodeInt(big.NewInt(int64(key.E))),
		Kty: "RSA",
		N:   encodeInt(key.N),
	})

	sum := sha256.Sum256(canonical)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func encodeInt(i *big.Int) string {
	return base64.RawURLEncoding.EncodeToString(i.Bytes())
}
