package model

import "time"

// BacklogStatus is the lifecycle state of a deferred resolution.
type BacklogStatus string

const (
	BacklogPending    BacklogStatus = "pending"
	BacklogProcessing BacklogStatus = "processing"
	BacklogDone       BacklogStatus = "done"
	BacklogFailed     BacklogStatus = "failed"
)

// Active reports whether s counts toward the one-active-row-per-name rule.
func (s BacklogStatus) Active() bool {
	return s == BacklogPending || s == BacklogProcessing
}

// BacklogEntry is a placeholder-id row awaiting real resolution.
type BacklogEntry struct {
	ID                int64         `json:"id,omitempty"`
	RawName           string        `json:"raw_name"`
	NormalizedName    string        `json:"normalized_name"`
	PlaceholderID     string        `json:"placeholder_id"`
	Status            BacklogStatus `json:"status"`
	Attempts          int           `json:"attempts"`
	LastError         string        `json:"last_error,omitempty"`
	ResolvedCompanyID string        `json:"resolved_company_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}
