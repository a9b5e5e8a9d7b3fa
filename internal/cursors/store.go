// Package cursors persists order feed cursors in SQLite so order feed
// consumers can resume polling where they left off after a restart. The
// opportunity cache itself is deliberately not persisted: it is rebuilt by
// re-harvesting.
package cursors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS order_feed_cursors (
	feed_type       TEXT NOT NULL,
	booking_partner TEXT NOT NULL,
	cursor          TEXT NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (feed_type, booking_partner)
);`

// Cursor is one persisted order feed position.
type Cursor struct {
	FeedType       string    `db:"feed_type"`
	BookingPartner string    `db:"booking_partner"`
	Cursor         string    `db:"cursor"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Store is a SQLite-backed cursor store.
type Store struct {
	db *sqlx.DB
}

// Open creates or opens the cursor database at the given path.
// WAL mode allows the status endpoint to read while harvesters write.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for cursor database: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply cursor schema: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping cursor database: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("Cursor database ready")
	return &Store{db: db}, nil
}

// SaveCursor upserts the cursor for one order feed.
func (s *Store) SaveCursor(ctx context.Context, feedType, bookingPartner, modified string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_feed_cursors (feed_type, booking_partner, cursor, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(feed_type, booking_partner) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at`,
		feedType, bookingPartner, modified, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save cursor for %s/%s: %w", feedType, bookingPartner, err)
	}
	return nil
}

// LoadCursor fetches the persisted cursor for one order feed, if any.
func (s *Store) LoadCursor(ctx context.Context, feedType, bookingPartner string) (string, bool, error) {
	var c Cursor
	err := s.db.GetContext(ctx, &c, `
		SELECT feed_type, booking_partner, cursor, updated_at
		FROM order_feed_cursors
		WHERE feed_type = ? AND booking_partner = ?`,
		feedType, bookingPartner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load cursor for %s/%s: %w", feedType, bookingPartner, err)
	}
	return c.Cursor, true, nil
}

// LoadAll fetches every persisted cursor, for seeding the tracker at
// startup.
func (s *Store) LoadAll(ctx context.Context) ([]Cursor, error) {
	var out []Cursor
	if err := s.db.SelectContext(ctx, &out, `
		SELECT feed_type, booking_partner, cursor, updated_at
		FROM order_feed_cursors
		ORDER BY feed_type, booking_partner`); err != nil {
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}
	return out, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
