// Package objectstore implements the authoritative versioned object store on
// PostgreSQL. Every object carries an entity tag derived from its bytes, and
// every committed mutation is announced through a Notifier.
package objectstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/resilience"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Object is a stored object with its current entity tag.
type Object struct {
	Key       string
	Body      []byte
	ETag      string
	UpdatedAt time.Time
}

// Entry is one row of a listing.
type Entry struct {
	Key  string
	ETag string
}

// Page is a bounded listing result. Truncated reports that more keys follow
// the last entry.
type Page struct {
	Entries   []Entry
	Truncated bool
}

// LastKey returns the key of the final entry, or "" for an empty page.
func (p Page) LastKey() string {
	if len(p.Entries) == 0 {
		return ""
	}
	return p.Entries[len(p.Entries)-1].Key
}

// Notifier announces committed mutations.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type Store struct {
	db       *sql.DB
	bucket   string
	table    string
	notifier Notifier
	now      func() time.Time
	logger   *slog.Logger
}

// New returns a Store over db for the given bucket. notifier may be nil, in
// which case mutations are silent.
func New(db *sql.DB, bucket, table string, notifier Notifier) (*Store, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid object table name %q", table)
	}
	if bucket == "" {
		return nil, errors.New("bucket must not be empty")
	}
	return &Store{
		db:       db,
		bucket:   bucket,
		table:    table,
		notifier: notifier,
		now:      time.Now,
		logger:   slog.Default().With("component", "object-store", "bucket", bucket),
	}, nil
}

// Migrate creates the object table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		bucket     TEXT        NOT NULL,
		key        TEXT        COLLATE "C" NOT NULL,
		body       BYTEA       NOT NULL,
		etag       TEXT        NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (bucket, key)
	)`, s.table))
	if err != nil {
		return fmt.Errorf("creating table %s: %w", s.table, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get fetches key. A missing key yields an error wrapping ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (*Object, error) {
	obj := Object{Key: key}
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT body, etag, updated_at FROM %s WHERE bucket = $1 AND key = $2`, s.table),
		s.bucket, key,
	).Scan(&obj.Body, &obj.ETag, &obj.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("object %s: %w", key, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, apperrors.Unavailable(apperrors.ErrStoreUnavailable, "get "+key, err)
	}
	return &obj, nil
}

// Put writes body under key and returns the new entity tag.
func (s *Store) Put(ctx context.Context, key string, body []byte) (string, error) {
	etag := ETag(body)
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (bucket, key, body, etag, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bucket, key) DO UPDATE SET body = EXCLUDED.body, etag = EXCLUDED.etag, updated_at = EXCLUDED.updated_at`, s.table),
		s.bucket, key, body, etag, now,
	)
	if err != nil {
		return "", apperrors.Unavailable(apperrors.ErrStoreUnavailable, "put "+key, err)
	}
	s.logger.Debug("object written", "key", key, "etag", etag, "size", len(body))

	return etag, s.notify(ctx, Notification{
		EventName: EventObjectCreatedPut,
		EventTime: now,
		Bucket:    s.bucket,
		Key:       key,
		ETag:      etag,
		Size:      int64(len(body)),
		Sequencer: sequencer(now),
	})
}

// Delete removes key. Deleting an absent key is not an error and emits no
// notification.
func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE bucket = $1 AND key = $2`, s.table),
		s.bucket, key,
	)
	if err != nil {
		return apperrors.Unavailable(apperrors.ErrStoreUnavailable, "delete "+key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}
	now := s.now().UTC()
	return s.notify(ctx, Notification{
		EventName: EventObjectRemovedDelete,
		EventTime: now,
		Bucket:    s.bucket,
		Key:       key,
		Sequencer: sequencer(now),
	})
}

// List returns up to limit entries under prefix whose keys sort strictly
// after startAfter.
func (s *Store) List(ctx context.Context, prefix, startAfter string, limit int) (Page, error) {
	if limit <= 0 {
		return Page{}, fmt.Errorf("list limit must be positive, got %d", limit)
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT key, etag FROM %s
		WHERE bucket = $1 AND key LIKE $2 ESCAPE '\' AND key > $3
		ORDER BY key
		LIMIT $4`, s.table),
		s.bucket, escapeLike(prefix)+"%", startAfter, limit+1,
	)
	if err != nil {
		return Page{}, apperrors.Unavailable(apperrors.ErrStoreUnavailable, "list "+prefix, err)
	}
	defer rows.Close()

	page := Page{Entries: make([]Entry, 0, limit)}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.ETag); err != nil {
			return Page{}, apperrors.Unavailable(apperrors.ErrStoreUnavailable, "list "+prefix, err)
		}
		if len(page.Entries) == limit {
			page.Truncated = true
			break
		}
		page.Entries = append(page.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return Page{}, apperrors.Unavailable(apperrors.ErrStoreUnavailable, "list "+prefix, err)
	}
	return page, nil
}

func (s *Store) notify(ctx context.Context, n Notification) error {
	if s.notifier == nil {
		return nil
	}
	err := resilience.Retry(ctx, "notify "+n.Key, resilience.RetryConfig{MaxAttempts: 3}, func(ctx context.Context) error {
		return s.notifier.Notify(ctx, n)
	})
	if err != nil {
		s.logger.Error("mutation committed but notification not published",
			"key", n.Key,
			"event", n.EventName,
			"error", err,
		)
		return fmt.Errorf("publishing %s notification for %s: %w", n.EventName, n.Key, err)
	}
	return nil
}

// ETag returns the quoted entity tag for body.
func ETag(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

func sequencer(t time.Time) string {
	return strings.ToUpper(strconv.FormatInt(t.UnixNano(), 16))
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
