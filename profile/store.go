package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS profiles (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL UNIQUE,
	height          INTEGER,
	weight          REAL,
	primary_style   TEXT,
	secondary_style TEXT,
	occasions       TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
)`

// Store persists profiles in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// Open opens the SQLite database at dsn (a path or file: URI) and creates the
// profiles table if needed.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create profiles table: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get returns the profile of userID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, userID string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, height, weight, primary_style, secondary_style, occasions, created_at, updated_at
		   FROM profiles WHERE user_id = ?`, userID)

	var (
		p                  Profile
		height             sql.NullInt64
		weight             sql.NullFloat64
		primary, secondary sql.NullString
		occasions          sql.NullString
		created, updated   int64
	)
	err := row.Scan(&p.ID, &p.UserID, &height, &weight, &primary, &secondary, &occasions, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if height.Valid {
		h := int(height.Int64)
		p.Height = &h
	}
	if weight.Valid {
		p.Weight = &weight.Float64
	}
	if primary.Valid {
		p.PrimaryStyle = &primary.String
	}
	if secondary.Valid {
		p.SecondaryStyle = &secondary.String
	}
	if occasions.Valid && occasions.String != "" {
		if err := json.Unmarshal([]byte(occasions.String), &p.Occasions); err != nil {
			p.Occasions = []string{}
		}
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

// Upsert creates or replaces the profile of userID.
func (s *Store) Upsert(ctx context.Context, userID string, u Update) (*Profile, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}
	var occasions any
	if len(u.Occasions) > 0 {
		b, err := json.Marshal(u.Occasions)
		if err != nil {
			return nil, fmt.Errorf("encode occasions: %w", err)
		}
		occasions = string(b)
	}
	now := toMillis(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, user_id, height, weight, primary_style, secondary_style, occasions, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   height = excluded.height,
		   weight = excluded.weight,
		   primary_style = excluded.primary_style,
		   secondary_style = excluded.secondary_style,
		   occasions = excluded.occasions,
		   updated_at = excluded.updated_at`,
		uuid.NewString(), userID, nullable(u.Height), nullable(u.Weight),
		nullable(u.PrimaryStyle), nullable(u.SecondaryStyle), occasions, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert profile: %w", err)
	}
	return s.Get(ctx, userID)
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
