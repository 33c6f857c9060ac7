package domain

import "fmt"

// Category identifies which item table a blob reference was read from.
type Category int

const (
	// CategoryItems is the live mail item table.
	CategoryItems Category = iota
	// CategoryItemsDumpster holds soft-deleted items.
	CategoryItemsDumpster
	// CategoryRevisions holds prior revisions of live items.
	CategoryRevisions
	// CategoryRevisionsDumpster holds prior revisions of soft-deleted items.
	CategoryRevisionsDumpster
)

// AllCategories lists the categories in scan order.
var AllCategories = []Category{
	CategoryItems,
	CategoryItemsDumpster,
	CategoryRevisions,
	CategoryRevisionsDumpster,
}

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryItems:
		return "items"
	case CategoryItemsDumpster:
		return "items_dumpster"
	case CategoryRevisions:
		return "revisions"
	case CategoryRevisionsDumpster:
		return "revisions_dumpster"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// IsDumpster reports whether the category holds soft-deleted copies.
func (c Category) IsDumpster() bool {
	return c == CategoryItemsDumpster || c == CategoryRevisionsDumpster
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// BlobRecord is a blob reference as recorded in the mail item database.
type BlobRecord struct {
	MailboxID int64    `json:"mailbox_id"`
	ItemID    int64    `json:"item_id"`
	Revision  int32    `json:"revision"`
	Version   int32    `json:"version"`
	VolumeID  int16    `json:"volume_id"`
	Locator   string   `json:"locator"`
	Digest    string   `json:"digest"`
	Size      int64    `json:"size"`
	Category  Category `json:"category"`
}

// Dumpster reports whether the record is a soft-deleted copy.
func (r *BlobRecord) Dumpster() bool {
	return r.Category.IsDumpster()
}

// Ref converts the record into a committed blob reference.
func (r *BlobRecord) Ref() *MailboxBlobRef {
	return &MailboxBlobRef{
		MailboxID: r.MailboxID,
		ItemID:    r.ItemID,
		Revision:  r.Revision,
		Locator:   r.Locator,
		Size:      r.Size,
		Digest:    r.Digest,
	}
}
