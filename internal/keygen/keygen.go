// Package keygen produces API key strings.
package keygen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// New returns a unique key string: the current unix-millisecond timestamp
// followed by the first 28 hex chars of a salted hash. The timestamp
// prefix keeps keys sortable by creation time; the hashed nonce makes the
// rest unguessable.
func New() (string, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate key nonce: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(hex.EncodeToString(nonce)))
	digest := hex.EncodeToString(h.Sum(nil))

	return timestamp + digest[:28], nil
}
