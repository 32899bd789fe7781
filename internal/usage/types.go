package usage

import (
	"errors"

	"github.com/urgood/voiceusage/internal/storage"
)

// SoftCapSeconds is the monthly voice allowance after which the status
// changes. It never blocks usage.
const SoftCapSeconds int64 = 100 * 60

// Status values reported to clients
const (
	StatusAvailable      = "available"
	StatusSoftCapReached = "soft_cap_reached"
	StatusUnavailable    = "unavailable"
)

// Analytics event names
const (
	EventSoftCapCrossed = "voice_soft_cap_crossed"
)

// ErrStoreUnavailable wraps every usage store failure. Callers may retry.
var ErrStoreUnavailable = errors.New("usage: store unavailable")

// EventTracker receives analytics events. Track must not block.
type EventTracker interface {
	Track(name, userID string, properties map[string]any)
}

// Status is the client-facing view of a month's usage
type Status struct {
	Status                     string `json:"status"`
	SoftCapReached             bool   `json:"softCapReached"`
	SessionsStartedThisMonth   int64  `json:"sessionsStartedThisMonth"`
	SessionsCompletedThisMonth int64  `json:"sessionsCompletedThisMonth"`
}

// Summary is the current month's record plus derived soft cap state
type Summary struct {
	Record         *storage.VoiceUsageRecord
	SoftCapReached bool

	// SoftCapCrossed is set only on the completion that moved the record
	// from below the cap to at or above it.
	SoftCapCrossed bool
}

// Status formats the summary for clients
func (s *Summary) Status() Status {
	return FormatStatus(s.Record, s.SoftCapReached)
}

// FormatStatus builds the client-facing status for a record
func FormatStatus(record *storage.VoiceUsageRecord, softCapReached bool) Status {
	status := Status{
		Status:         StatusAvailable,
		SoftCapReached: softCapReached,
	}
	if softCapReached {
		status.Status = StatusSoftCapReached
	}
	if record != nil {
		status.SessionsStartedThisMonth = record.SessionsStarted
		status.SessionsCompletedThisMonth = record.SessionsCompleted
	}
	return status
}

// UnavailableStatus is shown when usage could not be read. It never
// reports the user as available.
func UnavailableStatus() Status {
	return Status{Status: StatusUnavailable}
}

func newSummary(record *storage.VoiceUsageRecord) *Summary {
	return &Summary{
		Record:         record,
		SoftCapReached: record.SecondsUsed >= SoftCapSeconds,
	}
}
