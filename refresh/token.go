package refresh

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

// SecretBytes is the entropy of a freshly issued secret.
const SecretBytes = 32

var (
	// ErrEmpty is returned by Parse for an empty credential.
	ErrEmpty = errors.New("refresh credential empty")
	// ErrMalformed is returned by Parse when an id-bearing credential cannot be decoded.
	ErrMalformed = errors.New("refresh credential malformed")
)

// Presented is a decoded credential as received from a client.
type Presented struct {
	ID     int64
	Secret string
	Legacy bool
}

// NewSecret returns a fresh random secret.
func NewSecret() (string, error) {
	var raw [SecretBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// Hash returns the lowercase hex SHA-256 digest of secret. This is the only
// form of the secret that is ever stored.
func Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// HashEqual compares two digests in constant time.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Encode builds the client-facing credential for row id.
func Encode(id int64, secret string) string {
	return strconv.FormatInt(id, 10) + "." + secret
}

// Parse decodes a presented credential. A credential without '.' is returned
// as Legacy with the whole input as its secret.
func Parse(raw string) (Presented, error) {
	if raw == "" {
		return Presented{}, ErrEmpty
	}
	idPart, secret, found := strings.Cut(raw, ".")
	if !found {
		return Presented{Secret: raw, Legacy: true}, nil
	}
	if idPart == "" || secret == "" {
		return Presented{}, ErrMalformed
	}
	for i := 0; i < len(idPart); i++ {
		if idPart[i] < '0' || idPart[i] > '9' {
			return Presented{}, ErrMalformed
		}
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return Presented{}, ErrMalformed
	}
	return Presented{ID: id, Secret: secret}, nil
}
