// internal/infra/database/postgres_subscription_repository.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"subscription_bot/internal/domain/subscription"

	"github.com/lib/pq"
)

// PostgresSubscriptionRepository implements subscription.Repository and
// subscription.AudienceResolver.
type PostgresSubscriptionRepository struct {
	db *sql.DB
}

func NewPostgresSubscriptionRepository(db *sql.DB) *PostgresSubscriptionRepository {
	return &PostgresSubscriptionRepository{db: db}
}

func (r *PostgresSubscriptionRepository) ListActiveSubscribers(ctx context.Context, subscriptionTypeID int64) ([]*subscription.Subscriber, error) {
	query := `SELECT u.telegram_id, u.full_name, u.username, st.name, MAX(s.expires_at)
              FROM subscriptions s
              JOIN users u ON u.telegram_id = s.telegram_id
              JOIN subscription_types st ON st.id = s.subscription_type_id
              WHERE s.subscription_type_id = $1 AND s.expires_at > NOW()
              GROUP BY u.telegram_id, u.full_name, u.username, st.name
              ORDER BY u.telegram_id`
	return r.querySubscribers(ctx, query, subscriptionTypeID)
}

func (r *PostgresSubscriptionRepository) ListAllUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT telegram_id FROM users ORDER BY telegram_id`)
	if err != nil {
		return nil, fmt.Errorf("error listing user ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("error scanning user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user ids: %w", err)
	}
	return ids, nil
}

func (r *PostgresSubscriptionRepository) ActiveSubscriberIDsByType(ctx context.Context) (map[int64][]int64, error) {
	query := `SELECT subscription_type_id, ARRAY_AGG(DISTINCT telegram_id)
              FROM subscriptions
              WHERE expires_at > NOW()
              GROUP BY subscription_type_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error listing active subscribers by type: %w", err)
	}
	defer rows.Close()

	byType := make(map[int64][]int64)
	for rows.Next() {
		var (
			typeID int64
			ids    pq.Int64Array
		)
		if err := rows.Scan(&typeID, &ids); err != nil {
			return nil, fmt.Errorf("error scanning active subscribers: %w", err)
		}
		byType[typeID] = []int64(ids)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active subscribers: %w", err)
	}
	return byType, nil
}

// ChannelSubscriptionTypes maps each channel to the lowest type ID granting it.
func (r *PostgresSubscriptionRepository) ChannelSubscriptionTypes(ctx context.Context) (map[int64]int64, error) {
	query := `SELECT channel_id, MIN(subscription_type_id)
              FROM subscription_type_channels
              GROUP BY channel_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error listing channel subscription types: %w", err)
	}
	defer rows.Close()

	types := make(map[int64]int64)
	for rows.Next() {
		var channelID, typeID int64
		if err := rows.Scan(&channelID, &typeID); err != nil {
			return nil, fmt.Errorf("error scanning channel subscription type: %w", err)
		}
		types[channelID] = typeID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channel subscription types: %w", err)
	}
	return types, nil
}

func (r *PostgresSubscriptionRepository) ListChannels(ctx context.Context) ([]subscription.Channel, error) {
	query := `SELECT channel_id, channel_name, subscription_type_id
              FROM subscription_type_channels
              ORDER BY channel_id, subscription_type_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error listing channels: %w", err)
	}
	defer rows.Close()

	var channels []subscription.Channel
	for rows.Next() {
		var ch subscription.Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.SubscriptionTypeID); err != nil {
			return nil, fmt.Errorf("error scanning channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channels: %w", err)
	}
	return channels, nil
}

func (r *PostgresSubscriptionRepository) ScheduleRemovals(ctx context.Context, telegramID int64, channelIDs []int64, removeAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting removal transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO scheduled_removals (telegram_id, channel_id, remove_at)
              VALUES ($1, $2, $3)
              ON CONFLICT (telegram_id, channel_id)
              DO UPDATE SET remove_at = EXCLUDED.remove_at, updated_at = NOW()`
	for _, channelID := range channelIDs {
		if _, err := tx.ExecContext(ctx, query, telegramID, channelID, removeAt); err != nil {
			return fmt.Errorf("error scheduling removal from channel %d: %w", channelID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing scheduled removals: %w", err)
	}
	return nil
}

// latestSubscription joins each user to their most recently expiring
// subscription, optionally limited to one type ($1, NULL for any).
const latestSubscription = `
SELECT u.telegram_id, u.full_name, u.username,
       COALESCE(ls.name, ''), ls.expires_at
FROM users u
LEFT JOIN LATERAL (
    SELECT st.name, s.expires_at
    FROM subscriptions s
    JOIN subscription_types st ON st.id = s.subscription_type_id
    WHERE s.telegram_id = u.telegram_id
      AND ($1::bigint IS NULL OR s.subscription_type_id = $1)
    ORDER BY s.expires_at DESC
    LIMIT 1
) ls ON TRUE`

var audienceFilters = map[subscription.TargetGroup]string{
	subscription.GroupAllUsers:                ``,
	subscription.GroupNoSubscription:          ` WHERE ls.expires_at IS NULL`,
	subscription.GroupActiveSubscribers:       ` WHERE ls.expires_at > NOW()`,
	subscription.GroupExpiredSubscribers:      ` WHERE ls.expires_at <= NOW()`,
	subscription.GroupSubscriptionTypeActive:  ` WHERE ls.expires_at > NOW()`,
	subscription.GroupSubscriptionTypeExpired: ` WHERE ls.expires_at <= NOW()`,
}

// Resolve returns the members of a target group. Subscription fields come
// from the user's latest subscription and are empty when there is none.
func (r *PostgresSubscriptionRepository) Resolve(ctx context.Context, group subscription.TargetGroup, subscriptionTypeID *int64) ([]*subscription.Subscriber, error) {
	if err := group.Validate(subscriptionTypeID); err != nil {
		return nil, err
	}
	var typeFilter sql.NullInt64
	if group.NeedsSubscriptionType() {
		typeFilter = sql.NullInt64{Int64: *subscriptionTypeID, Valid: true}
	}
	query := latestSubscription + audienceFilters[group] + ` ORDER BY u.telegram_id`
	return r.querySubscribers(ctx, query, typeFilter)
}

func (r *PostgresSubscriptionRepository) querySubscribers(ctx context.Context, query string, args ...any) ([]*subscription.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*subscription.Subscriber
	for rows.Next() {
		s := &subscription.Subscriber{}
		var expiry sql.NullTime
		if err := rows.Scan(&s.TelegramID, &s.FullName, &s.Username, &s.SubscriptionName, &expiry); err != nil {
			return nil, fmt.Errorf("error scanning subscriber: %w", err)
		}
		if expiry.Valid {
			s.ExpiryDate = expiry.Time
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscribers: %w", err)
	}
	return subs, nil
}
