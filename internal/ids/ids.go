package ids

import (
	"crypto/rand"
	"encoding/hex"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Signer returns an identifier for a signer entry. Signer ids only need to be
// unique inside one agreement, so they are random rather than time-ordered.
func Signer() string {
	return "signer-" + randomHex(8)
}

// Nonce returns an unguessable one-time key for short-lived server-side state.
func Nonce() string {
	return strings.ToLower(randomHex(16))
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(b)
}
