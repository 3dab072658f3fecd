package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oriole-im/oriole/consts"
	"github.com/oriole-im/oriole/pkg/metrics"
)

// OfflineRecord is the persisted offline state of a user. Presence is nil
// when the user signed off without a final presence worth keeping, which is
// distinct from having no row at all.
type OfflineRecord struct {
	Presence   *string
	LastActive time.Time
}

// LoadOfflineRecord fetches the stored offline presence for a user. Returns
// consts.ErrDBNotFound when no row exists for the user.
func (db *Database) LoadOfflineRecord(ctx context.Context, username string) (*OfflineRecord, error) {
	metrics.PresenceStoreLoads.Inc()

	var presence *string
	var lastActive int64
	err := db.ReadPool.QueryRow(ctx,
		"SELECT presence, last_active FROM presence_offline WHERE username = $1",
		username).Scan(&presence, &lastActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrDBNotFound
		}
		return nil, fmt.Errorf("failed to load offline presence for %s: %w", username, err)
	}

	return &OfflineRecord{
		Presence:   presence,
		LastActive: time.UnixMilli(lastActive),
	}, nil
}

// StoreOfflineRecord upserts the offline presence row for a user. A nil
// presence stores a NULL column, recording the sign-off time without a
// final presence stanza.
func (db *Database) StoreOfflineRecord(ctx context.Context, username string, presence *string, lastActive time.Time) error {
	_, err := db.WritePool.Exec(ctx,
		`INSERT INTO presence_offline (username, presence, last_active)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (username)
		 DO UPDATE SET presence = EXCLUDED.presence, last_active = EXCLUDED.last_active`,
		username, presence, lastActive.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store offline presence for %s: %w", username, err)
	}
	return nil
}

// DeleteOfflineRecord removes the offline presence row for a user. Deleting
// a row that does not exist is not an error.
func (db *Database) DeleteOfflineRecord(ctx context.Context, username string) error {
	_, err := db.WritePool.Exec(ctx,
		"DELETE FROM presence_offline WHERE username = $1", username)
	if err != nil {
		return fmt.Errorf("failed to delete offline presence for %s: %w", username, err)
	}
	return nil
}
