package domain

import "time"

// ConsistencyResult describes one blob examined by a consistency check.
type ConsistencyResult struct {
	Record *BlobRecord `json:"record,omitempty"`

	// Locator is set for unexpected objects, which have no record.
	Locator string `json:"locator"`

	// ActualSize is the size the backend reported. -1 when unknown.
	ActualSize int64 `json:"actual_size"`

	// Error holds a per-object failure that stopped the check for this blob.
	Error string `json:"error,omitempty"`
}

// ConsistencyReport is the outcome of a consistency check of one mailbox.
type ConsistencyReport struct {
	MailboxID     int64                `json:"mailbox_id"`
	Volumes       []int16              `json:"volumes,omitempty"`
	Missing       []*ConsistencyResult `json:"missing"`
	IncorrectSize []*ConsistencyResult `json:"incorrect_size"`
	Unexpected    []*ConsistencyResult `json:"unexpected"`
	Used          []*ConsistencyResult `json:"used,omitempty"`

	// Listed is true when the backend could list the mailbox's content,
	// which is the only way unexpected objects are found.
	Listed bool `json:"listed"`

	Checked   int           `json:"checked"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Clean reports whether nothing was missing, mis-sized or unexpected.
func (r *ConsistencyReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.IncorrectSize) == 0 && len(r.Unexpected) == 0
}
