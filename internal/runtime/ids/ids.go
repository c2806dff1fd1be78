package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Queue message ids and side-channel tokens use it.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewParticipantID returns a random UUID for participants that were admitted
// without an application supplied identity.
func NewParticipantID() string {
	return uuid.NewString()
}

// NewSessionID returns the identifier of one connection's session.
func NewSessionID() string {
	return uuid.NewString()
}

// NewObjectID returns a fresh actor id, used when a caller addresses the
// instance named "random".
func NewObjectID() string {
	return strings.ToLower(CreateULID())
}

// NewConnectionID names one accepted socket on the host.
func NewConnectionID() string {
	return "conn_" + CreateULID()
}
