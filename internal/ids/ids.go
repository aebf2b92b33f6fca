package ids

import (
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

// NewRun returns an identifier for a single feed consumption run. Every record
// created during the run is tagged with it so a cancelled run can be rolled
// back precisely instead of guessing by creation time.
func NewRun() string {
	return "run-" + strings.ToLower(New())
}

// NewAuditRef returns a reference id attached to audit records so a decision
// can be correlated with its log entry afterwards.
func NewAuditRef() string {
	return "audit-" + strings.ToLower(New())
}
