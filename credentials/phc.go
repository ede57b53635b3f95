package credentials

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	maxMemoryKiB  = 4 * 1024 * 1024
	maxIterations = 64
	maxHashLength = 1024
)

var errMalformedPHC = errors.New("malformed argon2id PHC string")

type phc struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

func encodePHC(p phc) string {
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		AlgorithmArgon2id,
		argon2.Version,
		p.memory, p.iterations, p.parallelism,
		b64.EncodeToString(p.salt),
		b64.EncodeToString(p.hash),
	)
}

// decodePHC parses "$argon2id$v=19$m=..,t=..,p=..$salt$hash". Exactly five
// fields are accepted and each of m, t and p must appear once.
func decodePHC(encoded string) (phc, error) {
	var p phc

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return p, errMalformedPHC
	}
	if parts[1] != AlgorithmArgon2id {
		return p, errors.Wrapf(errMalformedPHC, "unsupported algorithm %q", parts[1])
	}
	if parts[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return p, errors.Wrapf(errMalformedPHC, "unsupported version %q", parts[2])
	}

	if err := parseParams(parts[3], &p); err != nil {
		return p, err
	}

	var err error
	if p.salt, err = b64.DecodeString(parts[4]); err != nil || len(p.salt) == 0 {
		return p, errors.Wrap(errMalformedPHC, "salt")
	}
	if p.hash, err = b64.DecodeString(parts[5]); err != nil || len(p.hash) == 0 || len(p.hash) > maxHashLength {
		return p, errors.Wrap(errMalformedPHC, "hash")
	}
	return p, nil
}

func parseParams(s string, p *phc) error {
	fields := strings.Split(s, ",")
	if len(fields) != 3 {
		return errors.Wrap(errMalformedPHC, "parameters")
	}

	seen := map[string]bool{}
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok || seen[k] {
			return errors.Wrap(errMalformedPHC, "parameters")
		}
		seen[k] = true

		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return errors.Wrapf(errMalformedPHC, "parameter %s", k)
		}
		switch k {
		case "m":
			p.memory = uint32(n)
		case "t":
			p.iterations = uint32(n)
		case "p":
			if n > 255 {
				return errors.Wrap(errMalformedPHC, "parameter p")
			}
			p.parallelism = uint8(n)
		default:
			return errors.Wrapf(errMalformedPHC, "unknown parameter %s", k)
		}
	}

	if p.memory > maxMemoryKiB || p.iterations > maxIterations || p.memory < 8*uint32(p.parallelism) {
		return errors.Wrap(errMalformedPHC, "parameters out of range")
	}
	return nil
}
