package credentials_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jrsteele09/go-identity-server/credentials"
	apperrors "github.com/jrsteele09/go-identity-server/internal/errors"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func testParams() credentials.Params {
	return credentials.Params{MemoryKiB: 64, Iterations: 1, Parallelism: 1}
}

func TestHashFormat(t *testing.T) {
	h := credentials.NewHasher(testParams())

	hash, err := h.Hash("Correct-Horse-1")
	require.NoError(t, err)

	parts := strings.Split(hash, "$")
	require.Len(t, parts, 6)
	require.Equal(t, "argon2id", parts[1])
	require.Equal(t, "v=19", parts[2])
	require.Equal(t, "m=64,t=1,p=1", parts[3])
	require.NotContains(t, parts[4], "=")
	require.NotContains(t, parts[5], "=")
	require.Len(t, parts[4], 22) // 16 bytes raw base64
	require.Len(t, parts[5], 43) // 32 bytes raw base64
}

func TestDefaultParams(t *testing.T) {
	p := credentials.DefaultParams()
	require.Equal(t, uint32(47104), p.MemoryKiB)
	require.Equal(t, uint32(1), p.Iterations)
	require.Equal(t, uint8(1), p.Parallelism)
	require.Equal(t, uint32(16), p.SaltLength)
	require.Equal(t, uint32(32), p.KeyLength)
}

func TestHashRoundTrip(t *testing.T) {
	h := credentials.NewHasher(testParams())

	for _, password := range []string{"Password1", "", "ünïcødé-Pässwörd9", strings.Repeat("x", 200)} {
		t.Run(fmt.Sprintf("len=%d", len(password)), func(t *testing.T) {
			hash, err := h.Hash(password)
			require.NoError(t, err)
			require.Equal(t, credentials.VerifySuccess, h.Verify(password, hash))
			require.Equal(t, credentials.VerifyFailed, h.Verify(password+"!", hash))
			require.False(t, h.NeedsRehash(hash))
		})
	}
}

func TestHashesAreSalted(t *testing.T) {
	h := credentials.NewHasher(testParams())
	a, err := h.Hash("Password1")
	require.NoError(t, err)
	b, err := h.Hash("Password1")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestRehashDetection(t *testing.T) {
	old := credentials.NewHasher(credentials.Params{MemoryKiB: 32, Iterations: 1, Parallelism: 1})
	current := credentials.NewHasher(testParams())

	hash, err := old.Hash("Password1")
	require.NoError(t, err)

	require.Equal(t, credentials.VerifySuccessRehashNeeded, current.Verify("Password1", hash))
	require.True(t, current.Verify("Password1", hash).Ok())
	require.Equal(t, credentials.VerifyFailed, current.Verify("Password2", hash))
	require.True(t, current.NeedsRehash(hash))

	upgraded, err := current.Hash("Password1")
	require.NoError(t, err)
	require.Equal(t, credentials.VerifySuccess, current.Verify("Password1", upgraded))
}

func TestMalformedPHC(t *testing.T) {
	h := credentials.NewHasher(testParams())
	valid, err := h.Hash("Password1")
	require.NoError(t, err)
	parts := strings.Split(valid, "$")

	tests := map[string]string{
		"empty":            "",
		"garbage":          "not-a-hash",
		"bcrypt":           "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy",
		"missing field":    strings.Join(parts[:5], "$"),
		"extra field":      valid + "$extra",
		"wrong algorithm":  strings.Replace(valid, "argon2id", "argon2i", 1),
		"wrong version":    strings.Replace(valid, "v=19", "v=16", 1),
		"missing p":        strings.Replace(valid, "m=64,t=1,p=1", "m=64,t=1", 1),
		"duplicate m":      strings.Replace(valid, "m=64,t=1,p=1", "m=64,m=64,p=1", 1),
		"zero iterations":  strings.Replace(valid, "t=1", "t=0", 1),
		"non-numeric":      strings.Replace(valid, "m=64", "m=abc", 1),
		"trailing param":   strings.Replace(valid, "p=1", "p=1,x=2", 1),
		"bad salt":         strings.Join([]string{"", parts[1], parts[2], parts[3], "!!!", parts[5]}, "$"),
		"empty hash":       strings.Join([]string{"", parts[1], parts[2], parts[3], parts[4], ""}, "$"),
		"no leading delim": strings.TrimPrefix(valid, "$"),
	}
	for name, stored := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, credentials.VerifyFailed, h.Verify("Password1", stored))
			require.True(t, h.NeedsRehash(stored))
		})
	}
}

func TestValidatePasswordStrength(t *testing.T) {
	tests := []struct {
		password string
		ok       bool
	}{
		{"Password1", true},
		{"short1A", false},
		{"alllowercase1", false},
		{"ALLUPPERCASE1", false},
		{"NoNumbersHere", false},
		{strings.Repeat("Aa1", 100), false},
	}
	for _, tt := range tests {
		t.Run(tt.password, func(t *testing.T) {
			err := credentials.ValidatePasswordStrength(tt.password)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, apperrors.ErrWeakPassword)
		})
	}
}

func TestResetTokenUsable(t *testing.T) {
	tok := &credentials.ResetToken{ExpiresAt: fixedNow.Add(1)}
	require.True(t, tok.Usable(fixedNow))
	require.False(t, tok.Usable(fixedNow.Add(1)))

	used := fixedNow
	tok.UsedAt = &used
	require.False(t, tok.Usable(fixedNow))
}
