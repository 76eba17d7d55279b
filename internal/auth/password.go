package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost used by HashPassword. Bridges run on small boards, so
// memory stays at 64 MiB with a single lane.
const (
	hashTime    = 3
	hashMemory  = 64 * 1024
	hashThreads = 1
	hashKeyLen  = 32
	hashSaltLen = 16

	// maxMemory rejects configured hashes that would need more than 1 GiB
	// per PASS attempt.
	maxMemory = 1024 * 1024
)

const phcPrefix = "$argon2id$"

var b64 = base64.RawStdEncoding

// phc is a decoded "$argon2id$v=19$m=..,t=..,p=..$salt$hash" string.
type phc struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

func (p phc) String() string {
	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s", phcPrefix, argon2.Version,
		p.memory, p.time, p.threads, b64.EncodeToString(p.salt), b64.EncodeToString(p.key))
}

// HashPassword returns an Argon2id PHC string for password, suitable for
// bridge.password.
func HashPassword(password string) (string, error) {
	p := phc{memory: hashMemory, time: hashTime, threads: hashThreads, salt: make([]byte, hashSaltLen)}
	if _, err := rand.Read(p.salt); err != nil {
		return "", fmt.Errorf("auth: reading salt: %w", err)
	}
	p.key = argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.threads, hashKeyLen)
	return p.String(), nil
}

// IsHash reports whether s looks like an Argon2id PHC string.
func IsHash(s string) bool {
	return strings.HasPrefix(s, phcPrefix)
}

// VerifyPassword checks password against an Argon2id PHC string. It
// returns ErrInvalidHash when encoded cannot be parsed.
func VerifyPassword(password, encoded string) (bool, error) {
	p, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.threads, uint32(len(p.key))) //nolint:gosec // key length is small
	return subtle.ConstantTimeCompare(p.key, got) == 1, nil
}

// CheckSecret compares a presented password with the configured one,
// which is either plaintext or a PHC hash. An empty configured password
// accepts anything. A malformed hash rejects everything.
func CheckSecret(configured, presented string) bool {
	if configured == "" {
		return true
	}
	if IsHash(configured) {
		ok, err := VerifyPassword(presented, configured)
		return err == nil && ok
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

func decodePHC(encoded string) (phc, error) {
	var p phc
	rest, ok := strings.CutPrefix(encoded, phcPrefix)
	if !ok {
		return p, fmt.Errorf("%w: not an argon2id string", ErrInvalidHash)
	}
	fields := strings.Split(rest, "$")
	if len(fields) != 4 { //nolint:mnd // version, params, salt, key
		return p, fmt.Errorf("%w: want 4 fields after the algorithm, got %d", ErrInvalidHash, len(fields))
	}

	if fields[0] != "v="+strconv.Itoa(argon2.Version) {
		return p, fmt.Errorf("%w: unsupported version %q", ErrInvalidHash, fields[0])
	}

	for _, kv := range strings.Split(fields[1], ",") {
		key, val, _ := strings.Cut(kv, "=")
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return p, fmt.Errorf("%w: parameter %q: %w", ErrInvalidHash, kv, err)
		}
		switch key {
		case "m":
			p.memory = uint32(n)
		case "t":
			p.time = uint32(n)
		case "p":
			if n > 255 { //nolint:mnd // argon2 lanes are a uint8
				return p, fmt.Errorf("%w: parallelism %d", ErrInvalidHash, n)
			}
			p.threads = uint8(n)
		default:
			return p, fmt.Errorf("%w: unknown parameter %q", ErrInvalidHash, key)
		}
	}
	if p.time == 0 || p.threads == 0 || p.memory == 0 || p.memory > maxMemory {
		return p, fmt.Errorf("%w: cost m=%d,t=%d,p=%d out of range", ErrInvalidHash, p.memory, p.time, p.threads)
	}

	var err error
	if p.salt, err = b64.DecodeString(fields[2]); err != nil {
		return p, fmt.Errorf("%w: salt: %w", ErrInvalidHash, err)
	}
	if p.key, err = b64.DecodeString(fields[3]); err != nil {
		return p, fmt.Errorf("%w: key: %w", ErrInvalidHash, err)
	}
	if len(p.key) == 0 {
		return p, fmt.Errorf("%w: empty key", ErrInvalidHash)
	}
	return p, nil
}
