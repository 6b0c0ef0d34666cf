// Package ids generates the identifiers svcflow puts on the wire.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)

	instanceOnce sync.Once
	instanceID   string
)

// NewULID returns a time-sortable ULID encoded as a 26-character string.
// IDs generated by one process are strictly increasing.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewCorrelationID returns an RPC correlation ID. Correlation IDs are ULIDs,
// so they never repeat within a process lifetime.
func NewCorrelationID() string {
	return NewULID()
}

// InstanceID identifies this process. It is stable until the process exits.
func InstanceID() string {
	instanceOnce.Do(func() {
		instanceID = uuid.NewString()
	})
	return instanceID
}

// NewUUID returns a random UUID, used for reply queue and broadcast queue
// names.
func NewUUID() string {
	return uuid.NewString()
}

// Timestamp extracts the creation time of a ULID produced by NewULID.
func Timestamp(id string) (time.Time, bool) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
