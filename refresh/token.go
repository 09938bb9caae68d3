package refresh

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// SecretSize is the number of random bytes behind a refresh token.
	SecretSize = 32
	// TokenLength is the length of the hex rendering of a refresh token.
	TokenLength = SecretSize * 2
)

// ErrMalformed is returned for a value that is not 64 lowercase hex characters.
var ErrMalformed = errors.New("malformed refresh token")

// Secret is the raw random value behind a refresh token.
type Secret [SecretSize]byte

// Hash is the only form of a refresh token that is ever persisted.
type Hash [sha256.Size]byte

// NewSecret draws a fresh secret from crypto/rand.
func NewSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("read refresh secret: %w", err)
	}
	return s, nil
}

// NewToken draws a fresh secret and returns its token form and hash.
func NewToken() (string, Hash, error) {
	s, err := NewSecret()
	if err != nil {
		return "", Hash{}, err
	}
	return s.String(), s.Hash(), nil
}

// String renders the secret as the token handed to clients.
func (s Secret) String() string {
	return hex.EncodeToString(s[:])
}

// Hash returns SHA-256 of the raw secret bytes.
func (s Secret) Hash() Hash {
	return sha256.Sum256(s[:])
}

// Parse decodes a client-presented token. Uppercase hex is rejected so
// that each secret has exactly one token form.
func Parse(token string) (Secret, error) {
	var s Secret
	if len(token) != TokenLength {
		return s, ErrMalformed
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return s, ErrMalformed
		}
	}
	if _, err := hex.Decode(s[:], []byte(token)); err != nil {
		return s, ErrMalformed
	}
	return s, nil
}

// HashToken parses token and returns its hash.
func HashToken(token string) (Hash, error) {
	s, err := Parse(token)
	if err != nil {
		return Hash{}, err
	}
	return s.Hash(), nil
}

// Equal compares two hashes in constant time.
func (h Hash) Equal(other Hash) bool {
	return subtle.ConstantTimeCompare(h[:], other[:]) == 1
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}
