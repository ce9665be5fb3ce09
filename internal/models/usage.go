package models

import (
	"encoding/json"
	"time"
)

// Usage is the wire payload for one (owner, fileset) record sent to the
// usage API. Exactly one of User and VO is set.
type Usage struct {
	Fileset        string `json:"fileset"`
	User           string `json:"user,omitempty"`
	VO             string `json:"vo,omitempty"`
	Used           int64  `json:"used"`
	Soft           int64  `json:"soft"`
	Hard           int64  `json:"hard"`
	Doubt          int64  `json:"doubt"`
	Expired        bool   `json:"expired"`
	Remaining      int64  `json:"remaining"`
	FilesUsed      int64  `json:"files_used"`
	FilesSoft      int64  `json:"files_soft"`
	FilesHard      int64  `json:"files_hard"`
	FilesDoubt     int64  `json:"files_doubt"`
	FilesExpired   bool   `json:"files_expired"`
	FilesRemaining int64  `json:"files_remaining"`
}

// NewUsage builds the payload for a record. The owner is attached under the
// field that matches kind; any kind other than user is sent as a VO.
func NewUsage(kind OwnerKind, owner, fileset string, r QuotaRecord) Usage {
	remaining, _ := r.Expired.RemainingSeconds()
	filesRemaining, _ := r.FilesExpired.RemainingSeconds()

	u := Usage{
		Fileset:        fileset,
		Used:           r.Used,
		Soft:           r.Soft,
		Hard:           r.Hard,
		Doubt:          r.Doubt,
		Expired:        r.Expired.Expired,
		Remaining:      remaining,
		FilesUsed:      r.FilesUsed,
		FilesSoft:      r.FilesSoft,
		FilesHard:      r.FilesHard,
		FilesDoubt:     r.FilesDoubt,
		FilesExpired:   r.FilesExpired.Expired,
		FilesRemaining: filesRemaining,
	}
	if kind == KindUser {
		u.User = owner
	} else {
		u.VO = owner
	}
	return u
}

// InodeCritical describes a fileset close to its inode ceiling.
type InodeCritical struct {
	Used      int64 `json:"used"`
	Allocated int64 `json:"allocated"`
	MaxInodes int64 `json:"maxinodes"`
}

// Percent returns used as a whole percentage of MaxInodes.
func (c InodeCritical) Percent() int64 {
	if c.MaxInodes == 0 {
		return 0
	}
	return c.Used * 100 / c.MaxInodes
}

// RunStatus is the outcome of processing one storage.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunRecord is the persisted result of one storage in one run.
type RunRecord struct {
	ID                int64     `json:"id"`
	RunID             string    `json:"run_id"`
	Storage           string    `json:"storage"`
	Filesystem        string    `json:"filesystem"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	Status            RunStatus `json:"status"`
	Error             string    `json:"error,omitempty"`
	ExceedingUsers    int       `json:"exceeding_users"`
	ExceedingFilesets int       `json:"exceeding_filesets"`
	DryRun            bool      `json:"dry_run"`
}

// CacheEntry is one durable notification cache row.
type CacheEntry struct {
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}
