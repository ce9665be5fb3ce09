package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// GraceState is the grace-period verdict for one quota axis.
// Remaining is only meaningful when Expired is true; zero then means the
// grace period has fully elapsed.
type GraceState struct {
	Expired   bool  `json:"expired"`
	Remaining int64 `json:"remaining,omitempty"`
}

// NoGrace is the state of an axis that is not in breach.
var NoGrace = GraceState{}

// Grace returns an expired state with the given number of seconds left.
func Grace(remaining int64) GraceState {
	return GraceState{Expired: true, Remaining: remaining}
}

// RemainingSeconds returns the countdown and whether one is active.
func (g GraceState) RemainingSeconds() (int64, bool) {
	if !g.Expired {
		return 0, false
	}
	return g.Remaining, true
}

func (g GraceState) String() string {
	if !g.Expired {
		return "none"
	}
	if g.Remaining == 0 {
		return "expired"
	}
	return (time.Duration(g.Remaining) * time.Second).String()
}

// QuotaRecord is a snapshot of capacity and file-count usage for one
// (owner, fileset) pair. Capacity values are already divided by the
// replication factor; file counts never are.
type QuotaRecord struct {
	Used         int64      `json:"used"`
	Soft         int64      `json:"soft"`
	Hard         int64      `json:"hard"`
	Doubt        int64      `json:"doubt"`
	Expired      GraceState `json:"expired"`
	FilesUsed    int64      `json:"files_used"`
	FilesSoft    int64      `json:"files_soft"`
	FilesHard    int64      `json:"files_hard"`
	FilesDoubt   int64      `json:"files_doubt"`
	FilesExpired GraceState `json:"files_expired"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Exceeds reports whether either axis has an active or elapsed grace period.
func (r QuotaRecord) Exceeds() bool {
	return r.Expired.Expired || r.FilesExpired.Expired
}

// OwnerKind tells who owns a quota entity and therefore who gets notified.
type OwnerKind string

const (
	KindUser    OwnerKind = "user"
	KindVO      OwnerKind = "vo"
	KindProject OwnerKind = "project"
	KindUnknown OwnerKind = "unknown"
)

// Valid returns true for the kinds that map to a real owner.
func (k OwnerKind) Valid() bool {
	switch k {
	case KindUser, KindVO, KindProject:
		return true
	}
	return false
}

// QuotaEntity aggregates the per-fileset records of one owner on one
// filesystem. The empty fileset name holds the owner's default quota.
type QuotaEntity struct {
	Storage    string                 `json:"storage"`
	Filesystem string                 `json:"filesystem"`
	OwnerID    string                 `json:"owner_id"`
	OwnerName  string                 `json:"owner_name"`
	Kind       OwnerKind              `json:"kind"`
	Records    map[string]QuotaRecord `json:"records"`
}

// NewQuotaEntity creates an empty aggregate.
func NewQuotaEntity(storage, filesystem, ownerID string) *QuotaEntity {
	return &QuotaEntity{
		Storage:    storage,
		Filesystem: filesystem,
		OwnerID:    ownerID,
		Kind:       KindUnknown,
		Records:    make(map[string]QuotaRecord),
	}
}

// Update stores the record for a fileset, replacing any earlier one.
func (e *QuotaEntity) Update(fileset string, record QuotaRecord) {
	if e.Records == nil {
		e.Records = make(map[string]QuotaRecord)
	}
	e.Records[fileset] = record
}

// Exceeds is true iff at least one fileset record has an expired capacity
// or file-count grace state.
func (e *QuotaEntity) Exceeds() bool {
	for _, r := range e.Records {
		if r.Exceeds() {
			return true
		}
	}
	return false
}

// Filesets returns the fileset names in sorted order.
func (e *QuotaEntity) Filesets() []string {
	names := make([]string, 0, len(e.Records))
	for name := range e.Records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Name returns the resolved owner name, falling back to the owner id.
func (e *QuotaEntity) Name() string {
	if e.OwnerName != "" {
		return e.OwnerName
	}
	return e.OwnerID
}

func (e *QuotaEntity) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s on %s:", e.Kind, e.Name(), e.Storage)
	for _, fs := range e.Filesets() {
		r := e.Records[fs]
		fmt.Fprintf(&b, " [%s used=%d soft=%d hard=%d grace=%s files=%d/%d/%d files_grace=%s]",
			displayFileset(fs), r.Used, r.Soft, r.Hard, r.Expired,
			r.FilesUsed, r.FilesSoft, r.FilesHard, r.FilesExpired)
	}
	return b.String()
}

func displayFileset(name string) string {
	if name == "" {
		return "<default>"
	}
	return name
}

// ExceededFileset is one breached fileset in an Exceedance.
type ExceededFileset struct {
	Fileset  string `json:"fileset"`
	Capacity bool   `json:"capacity"`
	Files    bool   `json:"files"`
}

// Exceedance is the part of an entity's state that decides whether a repeat
// notification is warranted: which filesets are in breach, on which axis.
// Usage figures and remaining grace are left out since they change every run.
type Exceedance struct {
	Kind     OwnerKind         `json:"kind"`
	Filesets []ExceededFileset `json:"filesets"`
}

// Exceedance returns the breach fingerprint of the entity.
func (e *QuotaEntity) Exceedance() Exceedance {
	out := Exceedance{Kind: e.Kind, Filesets: []ExceededFileset{}}
	for _, fs := range e.Filesets() {
		r := e.Records[fs]
		if !r.Exceeds() {
			continue
		}
		out.Filesets = append(out.Filesets, ExceededFileset{
			Fileset:  fs,
			Capacity: r.Expired.Expired,
			Files:    r.FilesExpired.Expired,
		})
	}
	return out
}
