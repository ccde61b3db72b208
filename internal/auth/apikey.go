package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedAPIKey = errors.New("malformed api key")

// GeneratedKey holds a freshly minted device credential. Composite is the
// only place the raw secret ever appears; callers show it once and drop it.
type GeneratedKey struct {
	Prefix     string
	SecretHash string
	Composite  string
}

// GenerateAPIKey mints a random secret with a short public prefix and returns
// the sha256 digest that gets stored.
func GenerateAPIKey() (GeneratedKey, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return GeneratedKey{}, fmt.Errorf("generate api key secret: %w", err)
	}
	prefixBytes := make([]byte, 3)
	if _, err := rand.Read(prefixBytes); err != nil {
		return GeneratedKey{}, fmt.Errorf("generate api key prefix: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)
	prefix := hex.EncodeToString(prefixBytes)
	return GeneratedKey{
		Prefix:     prefix,
		SecretHash: HashSecret(secret),
		Composite:  prefix + "_" + secret,
	}, nil
}

func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// SplitAPIKey splits a composite "prefix_secret" header value.
func SplitAPIKey(composite string) (prefix, secret string, err error) {
	parts := strings.SplitN(composite, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrMalformedAPIKey
	}
	return parts[0], parts[1], nil
}
