// SPDX-FileCopyrightText: © 2026 The Fern Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package identity implements fern node identities: Ed25519 signing keys
// with a printable token form and a Curve25519 view for key agreement.
package identity

import (
	"crypto/ed25519"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/edwards25519"
	"github.com/katzenpost/hpqc/rand"
	eddsa "github.com/katzenpost/hpqc/sign/ed25519"
)

const (
	// PublicKeySize is the size of a raw identity key.
	PublicKeySize = ed25519.PublicKeySize

	// SignatureSize is the size of a raw signature.
	SignatureSize = ed25519.SignatureSize

	// SeedSize is the size of an exported private key seed.
	SeedSize = ed25519.SeedSize

	// TokenPrefix starts every identity token.
	TokenPrefix = "@"

	// TokenLength is the length of an identity token.
	TokenLength = 45
)

var (
	// ErrMalformedIdentity is returned when an identity token or raw key
	// cannot be parsed.
	ErrMalformedIdentity = errors.New("identity: malformed identity")

	// ErrMalformedSignature is returned when a signature token cannot be
	// decoded into a raw signature.
	ErrMalformedSignature = errors.New("identity: malformed signature")

	// ErrMalformedPrivateKey is returned by ImportPrivate on bad input.
	ErrMalformedPrivateKey = errors.New("identity: malformed private key")
)

// Identity is the public half of a node's signing key.
type Identity struct {
	key   eddsa.PublicKey
	token string
}

// FromToken parses a token of the form "@" + base64(key).
func FromToken(token string) (*Identity, error) {
	if len(token) != TokenLength || !strings.HasPrefix(token, TokenPrefix) {
		return nil, ErrMalformedIdentity
	}
	raw, err := base64.StdEncoding.DecodeString(token[len(TokenPrefix):])
	if err != nil {
		return nil, ErrMalformedIdentity
	}
	return FromBytes(raw)
}

// FromBytes builds an Identity from a raw 32 byte public key.  The key must
// encode a point on the curve.
func FromBytes(raw []byte) (*Identity, error) {
	if len(raw) != PublicKeySize {
		return nil, ErrMalformedIdentity
	}
	if _, err := new(edwards25519.Point).SetBytes(raw); err != nil {
		return nil, ErrMalformedIdentity
	}
	id := new(Identity)
	if err := id.key.FromBytes(raw); err != nil {
		return nil, ErrMalformedIdentity
	}
	id.token = TokenPrefix + base64.StdEncoding.EncodeToString(raw)
	return id, nil
}

// Token returns the canonical printable form of the identity.
func (id *Identity) Token() string {
	return id.token
}

// String returns the identity token.
func (id *Identity) String() string {
	return id.token
}

// Bytes returns the raw public key.
func (id *Identity) Bytes() []byte {
	return id.key.Bytes()
}

// ByteArray returns the raw public key as an array, for use as a map key.
func (id *Identity) ByteArray() [PublicKeySize]byte {
	return id.key.ByteArray()
}

// Equal returns true iff both identities hold the same key.
func (id *Identity) Equal(other *Identity) bool {
	if id == nil || other == nil {
		return id == other
	}
	return subtle.ConstantTimeCompare(id.Bytes(), other.Bytes()) == 1
}

// Verify checks sigToken, the base64 encoding of a raw signature, over msg.
// A well formed but wrong signature yields false with no error.
func (id *Identity) Verify(msg []byte, sigToken string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(sigToken)
	if err != nil || len(sig) != SignatureSize {
		return false, ErrMalformedSignature
	}
	return id.VerifyBytes(msg, sig), nil
}

// VerifyBytes checks a raw signature over msg.
func (id *Identity) VerifyBytes(msg, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	return id.key.Verify(sig, msg)
}

// ToCurve25519 returns the Montgomery form of the key for use in X25519.
func (id *Identity) ToCurve25519() [32]byte {
	var out [32]byte
	p, err := new(edwards25519.Point).SetBytes(id.Bytes())
	if err != nil {
		// Unreachable, FromBytes validates the point.
		panic("identity: invalid point in parsed identity")
	}
	copy(out[:], p.BytesMontgomery())
	return out
}

// MarshalText implements encoding.TextMarshaler.
func (id *Identity) MarshalText() ([]byte, error) {
	return []byte(id.token), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := FromToken(string(text))
	if err != nil {
		return err
	}
	*id = *parsed
	return nil
}

// LocalIdentity is an Identity whose private key is held by this node.
type LocalIdentity struct {
	key *eddsa.PrivateKey
	id  *Identity
}

// Generate creates a new LocalIdentity from the entropy source r, or the
// system CSPRNG if r is nil.
func Generate(r io.Reader) (*LocalIdentity, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, _, err := eddsa.NewKeypair(r)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to generate key: %w", err)
	}
	return newLocal(priv)
}

// FromSeed derives a LocalIdentity from a 32 byte seed.
func FromSeed(seed []byte) (*LocalIdentity, error) {
	if len(seed) != SeedSize {
		return nil, ErrMalformedPrivateKey
	}
	priv := new(eddsa.PrivateKey)
	if err := priv.FromBytes(ed25519.NewKeyFromSeed(seed)); err != nil {
		return nil, ErrMalformedPrivateKey
	}
	return newLocal(priv)
}

// ImportPrivate parses the output of ExportPrivate.  The base64 encoding of
// the expanded 64 byte key is accepted as well, as long as its public half
// matches its seed.
func ImportPrivate(b []byte) (*LocalIdentity, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(b)))
	if err != nil {
		return nil, ErrMalformedPrivateKey
	}
	switch len(raw) {
	case SeedSize:
		return FromSeed(raw)
	case ed25519.PrivateKeySize:
		l, err := FromSeed(raw[:SeedSize])
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare(l.id.Bytes(), raw[SeedSize:]) != 1 {
			return nil, ErrMalformedPrivateKey
		}
		return l, nil
	default:
		return nil, ErrMalformedPrivateKey
	}
}

func newLocal(priv *eddsa.PrivateKey) (*LocalIdentity, error) {
	id, err := FromBytes(priv.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	return &LocalIdentity{key: priv, id: id}, nil
}

// Identity returns the public view of the key.
func (l *LocalIdentity) Identity() *Identity {
	return l.id
}

// Sign signs msg and returns the base64 encoded signature.
func (l *LocalIdentity) Sign(msg []byte) string {
	return base64.StdEncoding.EncodeToString(l.SignBytes(msg))
}

// SignBytes signs msg and returns the raw signature.
func (l *LocalIdentity) SignBytes(msg []byte) []byte {
	return l.key.SignMessage(msg)
}

// ExportPrivate returns the base64 encoded private key seed.
func (l *LocalIdentity) ExportPrivate() []byte {
	seed := l.key.Bytes()[:SeedSize]
	out := make([]byte, base64.StdEncoding.EncodedLen(SeedSize))
	base64.StdEncoding.Encode(out, seed)
	return out
}

// ToCurve25519 returns the X25519 scalar matching Identity().ToCurve25519().
func (l *LocalIdentity) ToCurve25519() [32]byte {
	var out [32]byte
	h := sha512.Sum512(l.key.Bytes()[:SeedSize])
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	for i := range h {
		h[i] = 0
	}
	return out
}

// Reset scrubs the private key.
func (l *LocalIdentity) Reset() {
	l.key.Reset()
}
