// internal/infra/database/postgres_batch_repository.go
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"subscription_bot/internal/domain/batch"

	"github.com/google/uuid"
)

type PostgresBatchRepository struct {
	db *sql.DB
}

func NewPostgresBatchRepository(db *sql.DB) *PostgresBatchRepository {
	return &PostgresBatchRepository{db: db}
}

const batchColumns = `id, type, status, total_users, successful_sends, failed_sends,
       subscription_type_id, target_group, message_content, context_data,
       error_details, error_summary, created_at, started_at, completed_at`

func (r *PostgresBatchRepository) Create(ctx context.Context, b *batch.Batch) error {
	if b.Status == "" {
		b.Status = batch.StatusPending
	}
	query := `INSERT INTO background_batches
                  (id, type, status, total_users, subscription_type_id, target_group, message_content, context_data)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
              RETURNING created_at`
	err := r.db.QueryRowContext(ctx, query,
		b.ID, b.Type, b.Status, b.TotalUsers, b.SubscriptionTypeID, b.TargetGroup,
		nullJSON(b.MessageContent), nullJSON(b.ContextData),
	).Scan(&b.CreatedAt)
	if err != nil {
		return fmt.Errorf("error creating batch: %w", err)
	}
	return nil
}

func (r *PostgresBatchRepository) GetByID(ctx context.Context, id uuid.UUID) (*batch.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM background_batches WHERE id = $1`
	b, err := scanBatch(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, batch.ErrNotFound
		}
		return nil, fmt.Errorf("error getting batch by ID: %w", err)
	}
	return b, nil
}

func (r *PostgresBatchRepository) MarkInProgress(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE background_batches
              SET status = $2, started_at = NOW()
              WHERE id = $1 AND status = $3`
	_, err := r.db.ExecContext(ctx, query, id, batch.StatusInProgress, batch.StatusPending)
	if err != nil {
		return fmt.Errorf("error marking batch in progress: %w", err)
	}
	return nil
}

func (r *PostgresBatchRepository) IncrementCounters(ctx context.Context, id uuid.UUID, successful, failed int) error {
	query := `UPDATE background_batches
              SET successful_sends = successful_sends + $2, failed_sends = failed_sends + $3
              WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, successful, failed)
	if err != nil {
		return fmt.Errorf("error incrementing batch counters: %w", err)
	}
	return requireRow(res, batch.ErrNotFound)
}

// Complete stores the final state. completed_at is only set once.
func (r *PostgresBatchRepository) Complete(ctx context.Context, id uuid.UUID, result batch.Result) error {
	details := result.ErrorDetails
	if details == nil {
		details = []batch.FailedSendDetail{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("error encoding batch error details: %w", err)
	}
	summary := result.ErrorSummary
	if summary == nil {
		summary = map[string]int{}
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("error encoding batch error summary: %w", err)
	}

	query := `UPDATE background_batches
              SET status = $2, successful_sends = $3, failed_sends = $4,
                  error_details = $5, error_summary = $6,
                  completed_at = COALESCE(completed_at, NOW())
              WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, result.Status, result.SuccessfulSends, result.FailedSends, detailsJSON, summaryJSON)
	if err != nil {
		return fmt.Errorf("error completing batch: %w", err)
	}
	return requireRow(res, batch.ErrNotFound)
}

// FailStale fails every PENDING or IN_PROGRESS batch, appending a
// server_restart entry to its details and summary. Counters are kept.
func (r *PostgresBatchRepository) FailStale(ctx context.Context, reason string) (int64, error) {
	detail, err := json.Marshal([]batch.FailedSendDetail{{
		ErrorMessage: reason,
		ErrorType:    "ServerRestart",
		ErrorKey:     "server_restart",
	}})
	if err != nil {
		return 0, fmt.Errorf("error encoding restart detail: %w", err)
	}
	query := `UPDATE background_batches
              SET status = $1,
                  error_details = COALESCE(error_details, '[]'::jsonb) || $2::jsonb,
                  error_summary = COALESCE(error_summary, '{}'::jsonb) || jsonb_build_object('server_restart', 1),
                  completed_at = NOW()
              WHERE status IN ($3, $4)`
	res, err := r.db.ExecContext(ctx, query, batch.StatusFailed, detail, batch.StatusPending, batch.StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("error failing stale batches: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error counting stale batches: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*batch.Batch, error) {
	var (
		b                        batch.Batch
		content, contextData     []byte
		detailsJSON, summaryJSON []byte
	)
	err := row.Scan(
		&b.ID, &b.Type, &b.Status, &b.TotalUsers, &b.SuccessfulSends, &b.FailedSends,
		&b.SubscriptionTypeID, &b.TargetGroup, &content, &contextData,
		&detailsJSON, &summaryJSON, &b.CreatedAt, &b.StartedAt, &b.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(content) > 0 {
		b.MessageContent = json.RawMessage(content)
	}
	if len(contextData) > 0 {
		b.ContextData = json.RawMessage(contextData)
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &b.ErrorDetails); err != nil {
			return nil, fmt.Errorf("error decoding batch error details: %w", err)
		}
	}
	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &b.ErrorSummary); err != nil {
			return nil, fmt.Errorf("error decoding batch error summary: %w", err)
		}
	}
	return &b, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
