// Package intel holds the internal threat-intelligence records exchanged by
// the platform and the repository interfaces their persistence hides behind.
package intel

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConsumptionActive is returned when a consumption is requested for a
	// feed that is already running or starting.
	ErrConsumptionActive = errors.New("a consumption is already active for this feed")
)

// Indicator is an observable with context: an IP, domain, hash, URL or
// similar value seen in malicious activity.
type Indicator struct {
	ID          string    `json:"id"`
	Value       string    `json:"value"`
	Type        string    `json:"type"` // ip, domain, email, url, filename, hash, other
	Description string    `json:"description,omitempty"`
	Confidence  int       `json:"confidence"` // 0-100
	StixID      string    `json:"stix_id"`    // globally unique
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`

	// IsAnonymized marks records whose Value has been transformed;
	// OriginalData preserves the raw value for de-anonymization by
	// authorized parties.
	IsAnonymized bool   `json:"is_anonymized"`
	OriginalData string `json:"original_data,omitempty"`

	FeedID       string `json:"feed_id,omitempty"`
	Organization string `json:"organization,omitempty"`
	// RunID tags the consumption run that created the record so a cancelled
	// run can be rolled back precisely.
	RunID string `json:"run_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TTP is a tactic/technique/procedure record, typically an ATT&CK technique.
type TTP struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	MitreTechnique string `json:"mitre_technique_id,omitempty"` // e.g. T1566
	MitreTactic    string `json:"mitre_tactic,omitempty"`       // kill-chain phase
	StixID         string `json:"stix_id"`

	IsAnonymized bool   `json:"is_anonymized"`
	OriginalData string `json:"original_data,omitempty"`

	FeedID       string `json:"feed_id,omitempty"`
	Organization string `json:"organization,omitempty"`
	RunID        string `json:"run_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConsumptionStatus is the feed state machine position.
type ConsumptionStatus string

const (
	StatusIdle       ConsumptionStatus = "idle"
	StatusStarting   ConsumptionStatus = "starting"
	StatusRunning    ConsumptionStatus = "running"
	StatusPaused     ConsumptionStatus = "paused"
	StatusProcessing ConsumptionStatus = "processing"
	StatusError      ConsumptionStatus = "error"
)

// Feed describes an external TAXII source and the state of its consumption.
type Feed struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ServerURL    string `json:"server_url"`
	APIRoot      string `json:"api_root"`
	CollectionID string `json:"collection_id"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	Organization string `json:"organization,omitempty"` // owning org
	IsActive     bool   `json:"is_active"`

	Status        ConsumptionStatus `json:"consumption_status"`
	CurrentTaskID string            `json:"current_task_id,omitempty"`
	PausedAt      *time.Time        `json:"paused_at,omitempty"`
	// PauseMetadata captures the resumption cursor persisted when a running
	// consumption observes a pause signal.
	PauseMetadata map[string]any `json:"pause_metadata,omitempty"`
	LastSync      *time.Time     `json:"last_sync,omitempty"`
	SyncCount     int            `json:"sync_count"`
	LastError     string         `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanStart reports whether a new consumption may begin.
func (f *Feed) CanStart() bool {
	return f.Status != StatusRunning && f.Status != StatusStarting
}
