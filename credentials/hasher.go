package credentials

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

// AlgorithmArgon2id is the only algorithm the hasher produces.
const AlgorithmArgon2id = "argon2id"

// Params are the argon2id cost parameters. They are serialized into every hash
// so that they can be raised over time without breaking stored credentials.
type Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams is 46 MiB, one iteration, one lane, 16 byte salt, 32 byte key.
func DefaultParams() Params {
	return Params{
		MemoryKiB:   46 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// VerifyResult is the outcome of a password verification.
type VerifyResult int

const (
	VerifyFailed VerifyResult = iota
	VerifySuccess
	// VerifySuccessRehashNeeded means the password matched but the stored hash
	// was produced with parameters other than the current ones.
	VerifySuccessRehashNeeded
)

func (r VerifyResult) String() string {
	switch r {
	case VerifySuccess:
		return "success"
	case VerifySuccessRehashNeeded:
		return "success_rehash_needed"
	default:
		return "failed"
	}
}

// Ok reports whether the password matched.
func (r VerifyResult) Ok() bool {
	return r == VerifySuccess || r == VerifySuccessRehashNeeded
}

type HasherOption func(*Hasher)

// WithRandReader replaces the salt source.
func WithRandReader(r io.Reader) HasherOption {
	return func(h *Hasher) {
		h.rand = r
	}
}

// Hasher hashes and verifies passwords with argon2id. It is safe for concurrent use.
// Hashing is CPU and memory bound; callers on latency sensitive paths should
// bound concurrency themselves.
type Hasher struct {
	params Params
	rand   io.Reader
}

func NewHasher(params Params, opts ...HasherOption) *Hasher {
	def := DefaultParams()
	if params.SaltLength == 0 {
		params.SaltLength = def.SaltLength
	}
	if params.KeyLength == 0 {
		params.KeyLength = def.KeyLength
	}
	h := &Hasher{
		params: params,
		rand:   rand.Reader,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Params returns the hasher's current parameters.
func (h *Hasher) Params() Params {
	return h.params
}

// Hash returns the PHC string for password using the current parameters:
// $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt>$<hash>
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(h.rand, salt); err != nil {
		return "", errors.Wrap(err, "[Hasher.Hash] generating salt")
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Iterations, h.params.MemoryKiB, h.params.Parallelism, h.params.KeyLength)
	return encodePHC(phc{
		memory:      h.params.MemoryKiB,
		iterations:  h.params.Iterations,
		parallelism: h.params.Parallelism,
		salt:        salt,
		hash:        key,
	}), nil
}

// Verify checks password against a stored PHC string. The hash is recomputed
// with the stored parameters. Malformed input resolves to VerifyFailed.
func (h *Hasher) Verify(password, stored string) VerifyResult {
	p, err := decodePHC(stored)
	if err != nil {
		return VerifyFailed
	}

	candidate := argon2.IDKey([]byte(password), p.salt, p.iterations, p.memory, p.parallelism, uint32(len(p.hash))) //nolint:gosec // hash length bounded by decodePHC
	if subtle.ConstantTimeCompare(p.hash, candidate) != 1 {
		return VerifyFailed
	}
	if h.differs(p) {
		return VerifySuccessRehashNeeded
	}
	return VerifySuccess
}

// NeedsRehash is true when stored was produced with other parameters or does not parse.
func (h *Hasher) NeedsRehash(stored string) bool {
	p, err := decodePHC(stored)
	if err != nil {
		return true
	}
	return h.differs(p)
}

func (h *Hasher) differs(p phc) bool {
	return p.memory != h.params.MemoryKiB ||
		p.iterations != h.params.Iterations ||
		p.parallelism != h.params.Parallelism ||
		uint32(len(p.hash)) != h.params.KeyLength //nolint:gosec // bounded
}

var b64 = base64.RawStdEncoding
