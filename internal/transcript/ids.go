package transcript

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewLocalID returns a ULID (26 chars). IDs minted by one process sort in creation order.
func NewLocalID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), idEntropy).String()
}

// NewIdempotencyKey returns the key the remote store uses to dedup retried writes.
func NewIdempotencyKey() string {
	return uuid.NewString()
}
