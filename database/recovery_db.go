package database

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/camden-git/radsync/models"
)

// StatusCounts returns the number of image records per status, optionally
// restricted to one order. Every known status is present in the result.
func (r *Raw) StatusCounts(ctx context.Context, orderRef string) (map[models.ImageStatus]int64, error) {
	queryBuilder := r.Builder.Select("status", "COUNT(*)").
		From("image_records").
		GroupBy("status")
	if orderRef != "" {
		queryBuilder = queryBuilder.Where(sq.Eq{"order_ref": orderRef})
	}

	sqlStr, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for StatusCounts: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.ImageStatus]int64, len(models.AllImageStatuses))
	for _, s := range models.AllImageStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count row: %w", err)
		}
		counts[models.ImageStatus(status)] = n
	}
	return counts, rows.Err()
}

// StagedRecord identifies a record whose staging file may be discarded.
type StagedRecord struct {
	ID        string
	Status    models.ImageStatus
	UpdatedAt int64
}

// StagingCandidates lists records that are terminal or have not moved since
// idleBefore while still holding partially transferred bytes.
func (r *Raw) StagingCandidates(ctx context.Context, idleBefore int64) ([]StagedRecord, error) {
	queryBuilder := r.Builder.Select("id", "status", "updated_at").
		From("image_records").
		Where(sq.Or{
			sq.Eq{"status": []string{
				string(models.ImageStatusAckReceived),
				string(models.ImageStatusCancelled),
				string(models.ImageStatusSynced),
			}},
			sq.And{
				sq.Lt{"updated_at": idleBefore},
				sq.Eq{"status": []string{
					string(models.ImageStatusBinaryUploading),
					string(models.ImageStatusFailed),
				}},
			},
		}).
		OrderBy("updated_at ASC")

	sqlStr, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for StagingCandidates: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query staging candidates: %w", err)
	}
	defer rows.Close()

	var out []StagedRecord
	for rows.Next() {
		var rec StagedRecord
		var status string
		if err := rows.Scan(&rec.ID, &status, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan staging candidate: %w", err)
		}
		rec.Status = models.ImageStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ExhaustedFailure is a failed record with no retries left.
type ExhaustedFailure struct {
	ID         string  `json:"image_id"`
	OrderRef   string  `json:"order_ref"`
	RetryCount int     `json:"retry_count"`
	ErrorCode  *string `json:"error_code,omitempty"`
	FailedAt   *int64  `json:"failed_at,omitempty"`
}

// ExhaustedFailures lists records that need manual intervention.
func (r *Raw) ExhaustedFailures(ctx context.Context) ([]ExhaustedFailure, error) {
	queryBuilder := r.Builder.Select("id", "order_ref", "retry_count", "last_error_code", "failed_at").
		From("image_records").
		Where(sq.Eq{"status": string(models.ImageStatusFailed)}).
		Where("retry_count >= max_retries").
		OrderBy("failed_at ASC")

	sqlStr, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for ExhaustedFailures: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query exhausted failures: %w", err)
	}
	defer rows.Close()

	var out []ExhaustedFailure
	for rows.Next() {
		var f ExhaustedFailure
		if err := rows.Scan(&f.ID, &f.OrderRef, &f.RetryCount, &f.ErrorCode, &f.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan exhausted failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// PurgeSettledSessions deletes settled sessions (and their items) completed
// before the cutoff. Image records and catalog rows are untouched.
func (r *Raw) PurgeSettledSessions(ctx context.Context, completedBefore int64) (int64, error) {
	settled := []string{
		string(models.SessionStatusSynced),
		string(models.SessionStatusPartial),
		string(models.SessionStatusFailed),
		string(models.SessionStatusCancelled),
	}
	selectIDs := r.Builder.Select("id").
		From("upload_sessions").
		Where(sq.Eq{"status": settled}).
		Where(sq.Or{
			sq.Lt{"completed_at": completedBefore},
			sq.And{sq.Eq{"completed_at": nil}, sq.Lt{"updated_at": completedBefore}},
		})

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge transaction: %w", err)
	}
	defer tx.Rollback()

	idsSQL, idsArgs, err := selectIDs.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build SQL query for PurgeSettledSessions: %w", err)
	}
	rows, err := tx.QueryContext(ctx, idsSQL, idsArgs...)
	if err != nil {
		return 0, fmt.Errorf("failed to select sessions to purge: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	itemsSQL, itemsArgs, err := r.Builder.Delete("upload_session_items").Where(sq.Eq{"session_id": ids}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build item purge: %w", err)
	}
	if _, err := tx.ExecContext(ctx, itemsSQL, itemsArgs...); err != nil {
		return 0, fmt.Errorf("failed to purge session items: %w", err)
	}

	sessSQL, sessArgs, err := r.Builder.Delete("upload_sessions").Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build session purge: %w", err)
	}
	res, err := tx.ExecContext(ctx, sessSQL, sessArgs...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
