package secrets

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Variant tags how a credential is stored
type Variant string

const (
	VariantHashed Variant = "hashed"
	VariantLegacy Variant = "legacy"
)

// Credential is a stored portfolio secret: either HashedSecret or LegacySecret.
type Credential interface {
	Variant() Variant
	matches(provided string) bool
}

// HashedSecret holds a bcrypt hash
type HashedSecret struct {
	Hash string
}

func (HashedSecret) Variant() Variant { return VariantHashed }

func (h HashedSecret) matches(provided string) bool {
	return bcrypt.CompareHashAndPassword([]byte(h.Hash), []byte(provided)) == nil
}

// LegacySecret holds a plaintext secret written before hashing was introduced
type LegacySecret struct {
	Plain string
}

func (LegacySecret) Variant() Variant { return VariantLegacy }

func (l LegacySecret) matches(provided string) bool {
	return subtle.ConstantTimeCompare([]byte(l.Plain), []byte(provided)) == 1
}

// ErrNoCredential is returned when a record carries neither variant
var ErrNoCredential = errors.New("no credential stored")

// CredentialFrom picks the variant from stored columns, preferring the hash
func CredentialFrom(hash, legacy string) (Credential, error) {
	switch {
	case hash != "":
		return HashedSecret{Hash: hash}, nil
	case legacy != "":
		return LegacySecret{Plain: legacy}, nil
	default:
		return nil, ErrNoCredential
	}
}

// Verify checks provided against stored and reports which variant matched
func Verify(stored Credential, provided string) (bool, Variant) {
	if stored == nil || provided == "" {
		return false, ""
	}
	if !stored.matches(provided) {
		return false, ""
	}
	return true, stored.Variant()
}

// Hash produces a HashedSecret for a new or upgraded credential
func Hash(secret string) (HashedSecret, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return HashedSecret{}, fmt.Errorf("hash secret: %w", err)
	}
	return HashedSecret{Hash: string(h)}, nil
}

// Generate returns a random URL-safe secret
func Generate() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
