package crawler

import (
	"encoding/json"
	"strings"
	"time"
)

// AttemptStatus represents the lifecycle state of a crawl attempt.
type AttemptStatus string

// Attempt status values persisted in crawl_attempts.status.
const (
	AttemptRunning AttemptStatus = "RUNNING"
	AttemptSuccess AttemptStatus = "SUCCESS"
	AttemptFailed  AttemptStatus = "FAILED"
)

// Terminal reports whether the status closes the attempt.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptSuccess || s == AttemptFailed
}

// RoleAdmin grants access to every source regardless of ownership.
const RoleAdmin = "admin"

// User is the subset of an account the orchestrator needs for authorization.
type User struct {
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"created_at"`
}

// IsAdmin reports whether the user holds the administrative role.
func (u User) IsAdmin() bool {
	for _, r := range u.Roles {
		if strings.EqualFold(strings.TrimSpace(r), RoleAdmin) {
			return true
		}
	}
	return false
}

// NormalizeUsername lower-cases and trims a username the way it is stored.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Source is a registered crawl target owned by a user.
type Source struct {
	ID                 string          `json:"id"`
	Owner              string          `json:"owner"`
	Name               string          `json:"name"`
	BaseURL            string          `json:"base_url"`
	AllowedPathPattern string          `json:"allowed_path_pattern"`
	Selectors          json.RawMessage `json:"selectors"`
	PublicReadable     bool            `json:"public_readable"`
	Enabled            bool            `json:"enabled"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// OwnedBy reports whether username owns the source.
func (s Source) OwnedBy(username string) bool {
	return NormalizeUsername(s.Owner) == NormalizeUsername(username)
}

// HasSelectors reports whether the selector spec is a non-empty JSON object.
func (s Source) HasSelectors() bool {
	if len(s.Selectors) == 0 {
		return false
	}
	var spec map[string]any
	if err := json.Unmarshal(s.Selectors, &spec); err != nil {
		return false
	}
	return len(spec) > 0
}

// AttemptCounters tracks ingestion stats for an attempt.
type AttemptCounters struct {
	RecordsFound   int `json:"records_found"`
	ItemsIngested  int `json:"items_ingested"`
	Duplicates     int `json:"duplicates"`
	RecordsInvalid int `json:"records_invalid"`
}

// Attempt is one execution of a crawl against a Source.
type Attempt struct {
	ID          string          `json:"id"`
	SourceID    string          `json:"source_id"`
	RequestedBy string          `json:"requested_by"`
	Status      AttemptStatus   `json:"status"`
	Error       *string         `json:"error,omitempty"`
	Counters    AttemptCounters `json:"counters"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Item is one deduplicated record ingested from an attempt.
type Item struct {
	ID          string          `json:"id"`
	SourceID    string          `json:"source_id"`
	AttemptID   string          `json:"attempt_id"`
	URL         string          `json:"url,omitempty"`
	Fingerprint string          `json:"fingerprint"`
	Payload     json.RawMessage `json:"payload"`
	IngestedAt  time.Time       `json:"ingested_at"`
}

// NormalizedItem is an engine record after normalization, ready to hash.
type NormalizedItem struct {
	URL     string
	Payload map[string]any
}

// RawResult is what the scraping engine returned for one crawl call.
type RawResult struct {
	Items []json.RawMessage
	Body  []byte
}

// AttemptEvent is published once an attempt reaches a terminal status.
type AttemptEvent struct {
	AttemptID     string        `json:"attempt_id"`
	SourceID      string        `json:"source_id"`
	Status        AttemptStatus `json:"status"`
	Error         string        `json:"error,omitempty"`
	RecordsFound  int           `json:"records_found"`
	ItemsIngested int           `json:"items_ingested"`
	FinishedAt    time.Time     `json:"finished_at"`
}

// SourceInput carries the fields for creating a source.
type SourceInput struct {
	Name               string          `json:"name"`
	BaseURL            string          `json:"base_url"`
	AllowedPathPattern string          `json:"allowed_path_pattern"`
	Selectors          json.RawMessage `json:"selectors"`
	PublicReadable     bool            `json:"public_readable"`
	Enabled            bool            `json:"enabled"`
}

// SourcePatch carries optional fields for updating a source; nil means unchanged.
type SourcePatch struct {
	Name               *string         `json:"name"`
	BaseURL            *string         `json:"base_url"`
	AllowedPathPattern *string         `json:"allowed_path_pattern"`
	Selectors          json.RawMessage `json:"selectors"`
	PublicReadable     *bool           `json:"public_readable"`
	Enabled            *bool           `json:"enabled"`
}
