package repository

import (
	"fmt"
	"strings"

	"github.com/prn-tf/alexander-mailblob/internal/domain"
)

// =============================================================================
// Item table SQL shared by the sqlite and postgres drivers
// =============================================================================

// Placeholder renders the n-th (1-based) bind parameter for a driver.
type Placeholder func(n int) string

// QuestionMark renders "?" placeholders.
func QuestionMark(int) string { return "?" }

// Dollar renders "$n" placeholders.
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

type itemTable struct {
	name    string
	idCol   string
	version string
	order   string
}

func tableFor(c domain.Category) (itemTable, error) {
	switch c {
	case domain.CategoryItems:
		return itemTable{"mail_item", "id", "0", "id"}, nil
	case domain.CategoryItemsDumpster:
		return itemTable{"mail_item_dumpster", "id", "0", "id"}, nil
	case domain.CategoryRevisions:
		return itemTable{"revision", "item_id", "version", "item_id, version"}, nil
	case domain.CategoryRevisionsDumpster:
		return itemTable{"revision_dumpster", "item_id", "version", "item_id, version"}, nil
	}
	return itemTable{}, fmt.Errorf("unknown item category %d", int(c))
}

// BlobRefSQL builds the chunk query for q.
// Columns: mailbox_id, item id, revision, version, volume_id, locator, digest, size.
func BlobRefSQL(q BlobRefQuery, bind Placeholder) (string, []any, error) {
	t, err := tableFor(q.Category)
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb,
		"SELECT mailbox_id, %[1]s, mod_content, %[2]s, COALESCE(volume_id, 0), locator, COALESCE(blob_digest, ''), size "+
			"FROM %[3]s WHERE mailbox_id = %[4]s AND %[1]s >= %[5]s AND %[1]s < %[6]s AND locator IS NOT NULL",
		t.idCol, t.version, t.name, bind(1), bind(2), bind(3))

	args := []any{q.MailboxID, q.MinID, q.MaxID}
	if len(q.Volumes) > 0 {
		marks := make([]string, len(q.Volumes))
		for i, v := range q.Volumes {
			args = append(args, v)
			marks[i] = bind(len(args))
		}
		fmt.Fprintf(&sb, " AND volume_id IN (%s)", strings.Join(marks, ", "))
	}
	fmt.Fprintf(&sb, " ORDER BY %s", t.order)

	return sb.String(), args, nil
}

// MaxItemIDSQL builds the query returning the highest item id of a mailbox
// across all four categories.
func MaxItemIDSQL(mailboxID int64, bind Placeholder) (string, []any) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) FROM (
		SELECT MAX(id) AS id FROM mail_item WHERE mailbox_id = %s
		UNION ALL SELECT MAX(id) FROM mail_item_dumpster WHERE mailbox_id = %s
		UNION ALL SELECT MAX(item_id) FROM revision WHERE mailbox_id = %s
		UNION ALL SELECT MAX(item_id) FROM revision_dumpster WHERE mailbox_id = %s
	) AS ids`, bind(1), bind(2), bind(3), bind(4))
	return query, []any{mailboxID, mailboxID, mailboxID, mailboxID}
}

// ScanBlobRecord reads one row produced by BlobRefSQL.
func ScanBlobRecord(scan func(dest ...any) error, category domain.Category) (*domain.BlobRecord, error) {
	r := &domain.BlobRecord{Category: category}
	if err := scan(&r.MailboxID, &r.ItemID, &r.Revision, &r.Version, &r.VolumeID, &r.Locator, &r.Digest, &r.Size); err != nil {
		return nil, fmt.Errorf("failed to scan blob record: %w", err)
	}
	return r, nil
}
