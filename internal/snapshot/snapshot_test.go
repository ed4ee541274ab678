package snapshot

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/portofcontext/vestige/internal/models"
)

func TestNewSuffix(t *testing.T) {
	pattern := regexp.MustCompile(`^before_[0-9a-f]{8}$`)
	suffix := NewSuffix(SuffixPrefixBefore)
	assert.Regexp(t, pattern, suffix)
	assert.NotEqual(t, suffix, NewSuffix(SuffixPrefixBefore))
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "messages_snapshot_before_1a2b3c4d", TableName("messages", "before_1a2b3c4d"))
	assert.Equal(t, "box_folders_snapshot_after_00ff00ff", TableName("box_folders", "after_00ff00ff"))
}

func TestFingerprintQuery(t *testing.T) {
	t.Run("primary key order", func(t *testing.T) {
		got := fingerprintQuery("state_ab", "messages_snapshot_before_1a2b3c4d", []string{"id"}, false)
		want := `SELECT count(*), COALESCE(md5(string_agg(md5(t::text), ',' ORDER BY t."id")), '') FROM "state_ab"."messages_snapshot_before_1a2b3c4d" t`
		assert.Equal(t, want, got)
	})

	t.Run("all columns nulls last", func(t *testing.T) {
		got := fingerprintQuery("state_ab", "notes_snapshot_after_ffffffff", []string{"a", "b"}, true)
		want := `SELECT count(*), COALESCE(md5(string_agg(md5(t::text), ',' ORDER BY t."a" NULLS LAST, t."b" NULLS LAST)), '') FROM "state_ab"."notes_snapshot_after_ffffffff" t`
		assert.Equal(t, want, got)
	})
}

func TestOnlyInQuery(t *testing.T) {
	got := onlyInQuery("state_ab", "msgs_snapshot_after_1", "msgs_snapshot_before_1", []string{"id"})
	want := `SELECT to_jsonb(t) FROM "state_ab"."msgs_snapshot_after_1" t ` +
		`WHERE NOT EXISTS (SELECT 1 FROM "state_ab"."msgs_snapshot_before_1" o WHERE o."id" = t."id") ` +
		`ORDER BY t."id"`
	assert.Equal(t, want, got)
}

func TestOnlyInQueryCompositeKey(t *testing.T) {
	got := onlyInQuery("s", "t_snapshot_a", "t_snapshot_b", []string{"org_id", "user_id"})
	assert.Contains(t, got, `o."org_id" = t."org_id" AND o."user_id" = t."user_id"`)
	assert.Contains(t, got, `ORDER BY t."org_id", t."user_id"`)
}

func TestChangedQuery(t *testing.T) {
	got := changedQuery("s", "t_snapshot_b", "t_snapshot_a", []string{"id"})
	want := `SELECT to_jsonb(b), to_jsonb(a) FROM "s"."t_snapshot_b" b JOIN "s"."t_snapshot_a" a ` +
		`ON b."id" = a."id" WHERE to_jsonb(b) <> to_jsonb(a) ORDER BY b."id"`
	assert.Equal(t, want, got)
}

func TestSanitizeRow(t *testing.T) {
	row := models.Row{
		"id":      float64(1),
		"name":    "report.pdf",
		"content": "\\x255044462d312e34",
		"thumb":   nil,
	}
	types := map[string]string{
		"id":      "int8",
		"name":    "text",
		"content": "bytea",
		"thumb":   "bytea",
	}

	sanitizeRow(row, types)
	assert.Equal(t, models.BinaryPlaceholder, row["content"])
	assert.Nil(t, row["thumb"]) // NULLs stay NULL
	assert.Equal(t, "report.pdf", row["name"])

	// Unknown column types are left alone.
	other := models.Row{"x": "y"}
	sanitizeRow(other, nil)
	assert.Equal(t, "y", other["x"])
}
