// internal/infra/database/postgres_audit_repository.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"subscription_bot/internal/domain/audit"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type PostgresAuditRepository struct {
	db *sql.DB
}

func NewPostgresAuditRepository(db *sql.DB) *PostgresAuditRepository {
	return &PostgresAuditRepository{db: db}
}

const auditColumns = `audit_uuid, channel_id, channel_name, status, total_members_api,
       active_subscribers_db, inactive_in_channel_db, unidentified_members,
       users_to_remove, users_to_remove_count, checked_users, error_message,
       created_at, updated_at, completed_at`

func (r *PostgresAuditRepository) CreateChannelAudits(ctx context.Context, auditUUID uuid.UUID, channels []audit.Channel) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting audit transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO channel_audits (audit_uuid, channel_id, channel_name, status)
              VALUES ($1, $2, $3, $4)
              ON CONFLICT (audit_uuid, channel_id) DO NOTHING`
	for _, ch := range channels {
		if _, err := tx.ExecContext(ctx, query, auditUUID, ch.ID, ch.Name, audit.StatusPending); err != nil {
			return fmt.Errorf("error creating channel audit for %d: %w", ch.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing channel audits: %w", err)
	}
	return nil
}

func (r *PostgresAuditRepository) StartChannelAudit(ctx context.Context, auditUUID uuid.UUID, ch audit.Channel) error {
	query := `INSERT INTO channel_audits (audit_uuid, channel_id, channel_name, status)
              VALUES ($1, $2, $3, $4)
              ON CONFLICT (audit_uuid, channel_id)
              DO UPDATE SET status = EXCLUDED.status, channel_name = EXCLUDED.channel_name, updated_at = NOW()`
	if _, err := r.db.ExecContext(ctx, query, auditUUID, ch.ID, ch.Name, audit.StatusRunning); err != nil {
		return fmt.Errorf("error starting channel audit: %w", err)
	}
	return nil
}

func (r *PostgresAuditRepository) SaveChannelAuditProgress(ctx context.Context, auditUUID uuid.UUID, channelID int64, checked int, usersToRemove []int64) error {
	query := `UPDATE channel_audits
              SET checked_users = $3, users_to_remove = $4, users_to_remove_count = $5, updated_at = NOW()
              WHERE audit_uuid = $1 AND channel_id = $2`
	res, err := r.db.ExecContext(ctx, query, auditUUID, channelID, checked, int64Array(usersToRemove), len(usersToRemove))
	if err != nil {
		return fmt.Errorf("error saving channel audit progress: %w", err)
	}
	return requireRow(res, audit.ErrNotFound)
}

func (r *PostgresAuditRepository) CompleteChannelAudit(ctx context.Context, auditUUID uuid.UUID, channelID int64, c audit.Counts) error {
	query := `UPDATE channel_audits
              SET status = $3, total_members_api = $4, active_subscribers_db = $5,
                  inactive_in_channel_db = $6, unidentified_members = $7,
                  users_to_remove = $8, users_to_remove_count = $9,
                  updated_at = NOW(), completed_at = NOW()
              WHERE audit_uuid = $1 AND channel_id = $2`
	res, err := r.db.ExecContext(ctx, query, auditUUID, channelID, audit.StatusCompleted,
		c.TotalMembersAPI, c.ActiveSubscribersDB, c.InactiveInChannelDB, c.UnidentifiedMembers,
		int64Array(c.UsersToRemove), len(c.UsersToRemove))
	if err != nil {
		return fmt.Errorf("error completing channel audit: %w", err)
	}
	return requireRow(res, audit.ErrNotFound)
}

func (r *PostgresAuditRepository) FailChannelAudit(ctx context.Context, auditUUID uuid.UUID, channelID int64, message string) error {
	query := `UPDATE channel_audits
              SET status = $3, error_message = $4, updated_at = NOW(), completed_at = NOW()
              WHERE audit_uuid = $1 AND channel_id = $2`
	res, err := r.db.ExecContext(ctx, query, auditUUID, channelID, audit.StatusFailed, message)
	if err != nil {
		return fmt.Errorf("error failing channel audit: %w", err)
	}
	return requireRow(res, audit.ErrNotFound)
}

func (r *PostgresAuditRepository) GetChannelAudit(ctx context.Context, auditUUID uuid.UUID, channelID int64) (*audit.ChannelAudit, error) {
	query := `SELECT ` + auditColumns + ` FROM channel_audits WHERE audit_uuid = $1 AND channel_id = $2`
	a, err := scanAudit(r.db.QueryRowContext(ctx, query, auditUUID, channelID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, audit.ErrNotFound
		}
		return nil, fmt.Errorf("error getting channel audit: %w", err)
	}
	return a, nil
}

func (r *PostgresAuditRepository) ListChannelAudits(ctx context.Context, auditUUID uuid.UUID) ([]*audit.ChannelAudit, error) {
	query := `SELECT ` + auditColumns + ` FROM channel_audits WHERE audit_uuid = $1 ORDER BY channel_name, channel_id`
	rows, err := r.db.QueryContext(ctx, query, auditUUID)
	if err != nil {
		return nil, fmt.Errorf("error listing channel audits: %w", err)
	}
	defer rows.Close()

	var audits []*audit.ChannelAudit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning channel audit: %w", err)
		}
		audits = append(audits, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channel audits: %w", err)
	}
	return audits, nil
}

func (r *PostgresAuditRepository) UpdateUsersToRemove(ctx context.Context, auditUUID uuid.UUID, channelID int64, userIDs []int64) error {
	query := `UPDATE channel_audits
              SET users_to_remove = $3, users_to_remove_count = $4, updated_at = NOW()
              WHERE audit_uuid = $1 AND channel_id = $2`
	res, err := r.db.ExecContext(ctx, query, auditUUID, channelID, int64Array(userIDs), len(userIDs))
	if err != nil {
		return fmt.Errorf("error updating users to remove: %w", err)
	}
	return requireRow(res, audit.ErrNotFound)
}

func (r *PostgresAuditRepository) FailStale(ctx context.Context, reason string) (int64, error) {
	query := `UPDATE channel_audits
              SET status = $1, error_message = $2, updated_at = NOW(), completed_at = NOW()
              WHERE status IN ($3, $4)`
	res, err := r.db.ExecContext(ctx, query, audit.StatusFailed, reason, audit.StatusPending, audit.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("error failing stale channel audits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error counting stale channel audits: %w", err)
	}
	return n, nil
}

func scanAudit(row rowScanner) (*audit.ChannelAudit, error) {
	var (
		a        audit.ChannelAudit
		toRemove pq.Int64Array
	)
	err := row.Scan(
		&a.AuditUUID, &a.ChannelID, &a.ChannelName, &a.Status, &a.TotalMembersAPI,
		&a.ActiveSubscribersDB, &a.InactiveInChannelDB, &a.UnidentifiedMembers,
		&toRemove, &a.UsersToRemoveCount, &a.CheckedUsers, &a.ErrorMessage,
		&a.CreatedAt, &a.UpdatedAt, &a.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	a.UsersToRemove = []int64(toRemove)
	return &a, nil
}

// int64Array keeps an empty slice as '{}' rather than NULL.
func int64Array(ids []int64) pq.Int64Array {
	if ids == nil {
		return pq.Int64Array{}
	}
	return pq.Int64Array(ids)
}
