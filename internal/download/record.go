// Package download fetches asset files from their source repositories into
// local storage. Each asset has at most one download in flight; transfers
// run on background tasks and leave partial files behind on cancel or
// failure so a later attempt starts from a clean Remove.
package download

import "time"

// Status is the download lifecycle state of one asset.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s ends a download attempt.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Record is the byte-level accounting for one asset's download. Snapshots
// are returned by value; the manager owns the mutable copy.
type Record struct {
	AssetID        string    `json:"asset_id"`
	TaskID         string    `json:"task_id,omitempty"`
	Status         Status    `json:"status"`
	BytesCompleted int64     `json:"bytes_completed"`
	BytesTotal     int64     `json:"bytes_total"`
	CurrentFile    string    `json:"current_file,omitempty"`
	Err            string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

// Fraction is completed/total in [0,1]; 0 while the total is unknown.
func (r Record) Fraction() float64 {
	if r.BytesTotal <= 0 {
		return 0
	}
	f := float64(r.BytesCompleted) / float64(r.BytesTotal)
	if f > 1 {
		f = 1
	}
	return f
}
