package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetMatch(t *testing.T) {
	set := Set{Current: "alpha", Next: "beta"}

	tests := []struct {
		name  string
		value string
		want  Which
	}{
		{"current", "alpha", Current},
		{"next", "beta", Next},
		{"other", "gamma", NoMatch},
		{"empty", "", NoMatch},
		{"prefix", "alph", NoMatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, set.Match(tt.value))
		})
	}
}

func TestSetMatchWithoutRotation(t *testing.T) {
	set := Set{Current: "alpha"}
	assert.Equal(t, Current, set.Match("alpha"))
	assert.Equal(t, NoMatch, set.Match(""))
	assert.False(t, Set{}.Configured())
}

func TestVerifyHMACAcceptsEitherSecret(t *testing.T) {
	payload := []byte("1700000000.{\"type\":\"delivered\"}")
	current := Set{Current: "old"}
	next := Set{Current: "new"}
	rotating := Set{Current: "old", Next: "new"}

	assert.Equal(t, Current, rotating.VerifyHMAC(payload, current.Sign(payload)))
	assert.Equal(t, Next, rotating.VerifyHMAC(payload, "sha256="+next.Sign(payload)))
	assert.Equal(t, NoMatch, rotating.VerifyHMAC(payload, Set{Current: "other"}.Sign(payload)))
	assert.Equal(t, NoMatch, rotating.VerifyHMAC(payload, "not-hex"))
	assert.Equal(t, NoMatch, rotating.VerifyHMAC([]byte("tampered"), current.Sign(payload)))
}

func TestCredentialVariants(t *testing.T) {
	hashed, err := Hash("s3cret")
	require.NoError(t, err)

	ok, variant := Verify(hashed, "s3cret")
	assert.True(t, ok)
	assert.Equal(t, VariantHashed, variant)

	ok, _ = Verify(hashed, "wrong")
	assert.False(t, ok)

	ok, variant = Verify(LegacySecret{Plain: "s3cret"}, "s3cret")
	assert.True(t, ok)
	assert.Equal(t, VariantLegacy, variant)

	ok, _ = Verify(LegacySecret{Plain: "s3cret"}, "")
	assert.False(t, ok)
}

func TestCredentialFromPrefersHash(t *testing.T) {
	c, err := CredentialFrom("$2a$10$abc", "plain")
	require.NoError(t, err)
	assert.Equal(t, VariantHashed, c.Variant())

	c, err = CredentialFrom("", "plain")
	require.NoError(t, err)
	assert.Equal(t, VariantLegacy, c.Variant())

	_, err = CredentialFrom("", "")
	assert.ErrorIs(t, err, ErrNoCredential)
}
