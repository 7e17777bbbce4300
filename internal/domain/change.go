package domain

import (
	"sort"
	"time"
)

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// ChangeRecord is one detected filesystem transition of a tracked artifact.
// Records are append-only history; they do not participate in invocation
// correctness.
type ChangeRecord struct {
	Seq          uint64     `json:"seq"`
	Tool         string     `json:"tool"`
	Kind         ChangeKind `json:"kind"`
	PreviousHash string     `json:"previousHash,omitempty"`
	NewHash      string     `json:"newHash,omitempty"`
	DetectedAt   time.Time  `json:"detectedAt"`
}

// ChangeSet summarizes one refresh pass.
type ChangeSet struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
}

// IsEmpty reports whether the set contains any changes.
func (s ChangeSet) IsEmpty() bool {
	return len(s.Added) == 0 && len(s.Modified) == 0 && len(s.Removed) == 0
}

// Sort orders every bucket by tool name for stable output.
func (s *ChangeSet) Sort() {
	sort.Strings(s.Added)
	sort.Strings(s.Modified)
	sort.Strings(s.Removed)
}

// ChangeSetFromRecords buckets records into a summary set.
func ChangeSetFromRecords(records []ChangeRecord) ChangeSet {
	set := ChangeSet{
		Added:    []string{},
		Modified: []string{},
		Removed:  []string{},
	}
	for _, rec := range records {
		switch rec.Kind {
		case ChangeAdded:
			set.Added = append(set.Added, rec.Tool)
		case ChangeModified:
			set.Modified = append(set.Modified, rec.Tool)
		case ChangeRemoved:
			set.Removed = append(set.Removed, rec.Tool)
		}
	}
	set.Sort()
	return set
}
