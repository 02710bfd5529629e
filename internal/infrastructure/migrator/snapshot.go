package migrator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
)

// ColumnInfo describes one column of a schema snapshot
type ColumnInfo struct {
	DataType      string
	IsNullable    bool
	ColumnDefault *string
}

// Snapshot maps table_name -> column_name -> ColumnInfo for the current
// schema. Used only as the before/after input to Diff; never persisted.
type Snapshot map[string]map[string]ColumnInfo

type snapshotRow struct {
	TableName     string  `db:"table_name"`
	ColumnName    string  `db:"column_name"`
	DataType      string  `db:"data_type"`
	IsNullable    bool    `db:"is_nullable"`
	ColumnDefault *string `db:"column_default"`
}

// CaptureSnapshot reads the control columns of information_schema.columns
// for the connection's current schema.
func CaptureSnapshot(ctx context.Context, conn sqlx.ExtContext) (Snapshot, error) {
	query := `
		SELECT table_name, column_name, data_type,
		       is_nullable = 'YES' AS is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		ORDER BY table_name, ordinal_position`

	var rows []snapshotRow
	if err := sqlx.SelectContext(ctx, conn, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to capture schema snapshot: %w", err)
	}

	snapshot := Snapshot{}
	for _, row := range rows {
		table, ok := snapshot[row.TableName]
		if !ok {
			table = map[string]ColumnInfo{}
			snapshot[row.TableName] = table
		}
		table[row.ColumnName] = ColumnInfo{
			DataType:      row.DataType,
			IsNullable:    row.IsNullable,
			ColumnDefault: row.ColumnDefault,
		}
	}
	return snapshot, nil
}

// ChangeKind classifies a schema delta
type ChangeKind string

const (
	ChangeTableAdded    ChangeKind = "table_added"
	ChangeTableRemoved  ChangeKind = "table_removed"
	ChangeColumnAdded   ChangeKind = "column_added"
	ChangeColumnRemoved ChangeKind = "column_removed"
	ChangeColumnChanged ChangeKind = "column_changed"
)

// SchemaChange is one element of a diff. Detail is set only for
// column_changed and enumerates which of type/nullable/default changed.
type SchemaChange struct {
	Kind   ChangeKind `json:"kind"`
	Table  string     `json:"table"`
	Column string     `json:"column,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

// Format renders the change as pseudo-DDL for dry-run reports
func (c SchemaChange) Format() string {
	switch c.Kind {
	case ChangeTableAdded:
		return "CREATE TABLE " + c.Table
	case ChangeTableRemoved:
		return "DROP TABLE " + c.Table
	case ChangeColumnAdded:
		return "ALTER TABLE " + c.Table + " ADD COLUMN " + c.Column
	case ChangeColumnRemoved:
		return "ALTER TABLE " + c.Table + " DROP COLUMN " + c.Column
	case ChangeColumnChanged:
		return "ALTER TABLE " + c.Table + " ALTER COLUMN " + c.Column + " (" + c.Detail + ")"
	default:
		return string(c.Kind) + " " + c.Table
	}
}

// typeCastSuffix matches trailing PostgreSQL type casts such as
// ::character varying or ::TEXT.
var typeCastSuffix = regexp.MustCompile(`(?i)(::[a-z_ ]+)+$`)

// normalizeDefault reduces a column default to a comparable form. This is
// the sole mechanism that filters out the no-op ALTER statements a
// catalog sync would otherwise emit: 'active'::character varying and
// 'active' compare equal, and all sequences compare equal to each other.
func normalizeDefault(def *string) *string {
	if def == nil {
		return nil
	}

	v := typeCastSuffix.ReplaceAllString(*def, "")
	if strings.HasPrefix(v, "'") {
		v = v[1:]
	}
	if strings.HasSuffix(v, "'") {
		v = v[:len(v)-1]
	}
	if strings.Contains(v, "nextval") {
		v = "[sequence]"
	} else {
		v = strings.TrimSpace(v)
	}
	return &v
}

func defaultsEqual(a, b *string) bool {
	na, nb := normalizeDefault(a), normalizeDefault(b)
	if na == nil || nb == nil {
		return na == nil && nb == nil
	}
	return *na == *nb
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Diff compares two snapshots. The result is empty iff the snapshots are
// equal modulo default normalization.
func Diff(before, after Snapshot) []SchemaChange {
	changes := []SchemaChange{}

	for _, table := range sortedKeys(before) {
		beforeCols := before[table]
		afterCols, ok := after[table]
		if !ok {
			changes = append(changes, SchemaChange{Kind: ChangeTableRemoved, Table: table})
			continue
		}

		for _, column := range sortedKeys(beforeCols) {
			b := beforeCols[column]
			a, ok := afterCols[column]
			if !ok {
				changes = append(changes, SchemaChange{Kind: ChangeColumnRemoved, Table: table, Column: column})
				continue
			}

			var details []string
			if a.DataType != b.DataType {
				details = append(details, fmt.Sprintf("type: %s -> %s", b.DataType, a.DataType))
			}
			if a.IsNullable != b.IsNullable {
				details = append(details, fmt.Sprintf("nullable: %t -> %t", b.IsNullable, a.IsNullable))
			}
			if !defaultsEqual(b.ColumnDefault, a.ColumnDefault) {
				details = append(details, "default")
			}
			if len(details) > 0 {
				changes = append(changes, SchemaChange{
					Kind:   ChangeColumnChanged,
					Table:  table,
					Column: column,
					Detail: strings.Join(details, ", "),
				})
			}
		}

		for _, column := range sortedKeys(afterCols) {
			if _, ok := beforeCols[column]; !ok {
				changes = append(changes, SchemaChange{Kind: ChangeColumnAdded, Table: table, Column: column})
			}
		}
	}

	for _, table := range sortedKeys(after) {
		if _, ok := before[table]; !ok {
			changes = append(changes, SchemaChange{Kind: ChangeTableAdded, Table: table})
		}
	}

	return changes
}
