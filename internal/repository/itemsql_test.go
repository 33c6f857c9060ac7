package repository

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-mailblob/internal/domain"
)

func TestBlobRefSQL(t *testing.T) {
	query, args, err := BlobRefSQL(BlobRefQuery{
		MailboxID: 9,
		Category:  domain.CategoryRevisionsDumpster,
		Volumes:   []int16{1, 3},
		MinID:     500,
		MaxID:     1000,
	}, Dollar)
	require.NoError(t, err)

	require.Contains(t, query, "FROM revision_dumpster")
	require.Contains(t, query, "item_id >= $2 AND item_id < $3")
	require.Contains(t, query, "volume_id IN ($4, $5)")
	require.Contains(t, query, "ORDER BY item_id, version")
	require.Equal(t, []any{int64(9), int64(500), int64(1000), int16(1), int16(3)}, args)
}

func TestBlobRefSQL_NoVolumes(t *testing.T) {
	query, args, err := BlobRefSQL(BlobRefQuery{MailboxID: 1, Category: domain.CategoryItems, MaxID: 500}, QuestionMark)
	require.NoError(t, err)
	require.NotContains(t, query, "volume_id IN")
	require.Contains(t, query, "FROM mail_item WHERE")
	require.Len(t, args, 3)
}

func TestBlobRefSQL_UnknownCategory(t *testing.T) {
	_, _, err := BlobRefSQL(BlobRefQuery{Category: domain.Category(42)}, QuestionMark)
	require.Error(t, err)
}

func TestMaxItemIDSQL(t *testing.T) {
	query, args := MaxItemIDSQL(5, Dollar)
	require.Contains(t, query, "$4")
	require.Len(t, args, 4)
}
