// Package versioning implements the Versioning Engine (C6): pre-update
// snapshots, version listing/retrieval, and retention pruning. The same
// shape serves both entity and workflow versions, selected by owner.
package versioning

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bentbr/rdatacore/internal/apperr"
)

type Snapshot struct {
	OwnerUUID     string
	VersionNumber int
	Data          json.RawMessage
	CreatedBy     string
	CreatedByName string
	CreatedAt     time.Time
}

// tableFor maps an owner kind to its versions table, per §6's schema list
// (entity_versions, workflow_versions).
func tableFor(kind string) (string, string, error) {
	switch kind {
	case "entity":
		return "entity_versions", "entity_uuid", nil
	case "workflow":
		return "workflow_versions", "workflow_uuid", nil
	default:
		return "", "", fmt.Errorf("unknown versioning owner kind %q", kind)
	}
}

// SnapshotDataTx inserts a pre-update snapshot with explicit JSON data,
// read by the caller (typically via row_to_json over the per-type view)
// inside the same transaction as the update it precedes. ON CONFLICT DO
// NOTHING on (owner_uuid, version_number).
func SnapshotDataTx(ctx context.Context, tx *sql.Tx, kind, ownerUUID string, version int, data json.RawMessage, actor string) error {
	table, ownerCol, err := tableFor(kind)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (%s, version_number, data, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (%s, version_number) DO NOTHING`, table, ownerCol, ownerCol)
	if _, err := tx.ExecContext(ctx, stmt, ownerUUID, version, data, actor, time.Now().UTC()); err != nil {
		return apperr.Database(err)
	}
	return nil
}

// uuidLiteralRe matches a well-formed UUID string; created_by also holds
// non-admin actor identifiers (e.g. "dsl-executor") that are never valid
// UUIDs, so the join below only casts when the value actually looks like
// one — an unconditional ::uuid cast raises a runtime error on those rows.
const uuidLiteralRe = `^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`

// ListVersions returns versions ordered DESC by version_number, joined with
// admin_users for created_by_name.
func ListVersions(ctx context.Context, db *sql.DB, kind, ownerUUID string) ([]Snapshot, error) {
	table, ownerCol, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT v.%s, v.version_number, v.data, v.created_by, COALESCE(u.username, ''), v.created_at
		FROM %s v LEFT JOIN admin_users u
			ON u.uuid = CASE WHEN v.created_by ~ '%s' THEN v.created_by::uuid END
		WHERE v.%s = $1 ORDER BY v.version_number DESC`, ownerCol, table, uuidLiteralRe, ownerCol)
	rows, err := db.QueryContext(ctx, query, ownerUUID)
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.OwnerUUID, &s.VersionNumber, &s.Data, &s.CreatedBy, &s.CreatedByName, &s.CreatedAt); err != nil {
			return nil, apperr.Database(err)
		}
		s.CreatedAt = s.CreatedAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetVersion fetches the exact snapshot at version n.
func GetVersion(ctx context.Context, db *sql.DB, kind, ownerUUID string, n int) (Snapshot, error) {
	table, ownerCol, err := tableFor(kind)
	if err != nil {
		return Snapshot{}, err
	}
	query := fmt.Sprintf(`SELECT %s, version_number, data, created_by, created_at
		FROM %s WHERE %s = $1 AND version_number = $2`, ownerCol, table, ownerCol)
	var s Snapshot
	err = db.QueryRowContext(ctx, query, ownerUUID, n).Scan(&s.OwnerUUID, &s.VersionNumber, &s.Data, &s.CreatedBy, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return Snapshot{}, apperr.NotFound("version", fmt.Sprintf("%s@%d", ownerUUID, n))
	}
	if err != nil {
		return Snapshot{}, apperr.Database(err)
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

// PruneOlderThanDays deletes versions older than d days.
func PruneOlderThanDays(ctx context.Context, db *sql.DB, kind string, days int) (int64, error) {
	table, _, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE created_at < NOW() - ($1 || ' days')::interval`, table), days)
	if err != nil {
		return 0, apperr.Database(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneKeepLatestPerOwner keeps only the latest k versions per owner using
// a windowed rank.
func PruneKeepLatestPerOwner(ctx context.Context, db *sql.DB, kind string, k int) (int64, error) {
	table, ownerCol, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE (%s, version_number) IN (
			SELECT %s, version_number FROM (
				SELECT %s, version_number,
				       row_number() OVER (PARTITION BY %s ORDER BY version_number DESC) AS rn
				FROM %s
			) ranked WHERE rn > $1
		)`, table, ownerCol, ownerCol, ownerCol, ownerCol, table)
	res, err := db.ExecContext(ctx, query, k)
	if err != nil {
		return 0, apperr.Database(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
