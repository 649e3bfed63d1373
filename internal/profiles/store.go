// Package profiles stores broker connection profiles in SQLite. Passwords are
// encrypted at rest and masked in everything the store returns, except for
// Resolve, which hands decrypted parameters to the broker layer.
package profiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	"github.com/drblury/rabbitscope/internal/broker"
	rserrors "github.com/drblury/rabbitscope/internal/runtime/errors"
	"github.com/drblury/rabbitscope/internal/runtime/logging"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const busyTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	host TEXT NOT NULL,
	port INTEGER NOT NULL DEFAULT 5672,
	management_port INTEGER NOT NULL DEFAULT 15672,
	username TEXT NOT NULL,
	password_encrypted TEXT NOT NULL,
	virtual_host TEXT NOT NULL DEFAULT '/',
	use_ssl INTEGER NOT NULL DEFAULT 0,
	description TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_active_name ON connections(name) WHERE is_active = 1;
`

const columns = `id, name, host, port, management_port, username, password_encrypted,
	virtual_host, use_ssl, description, created_at, updated_at, is_active`

// Store persists connection profiles.
type Store struct {
	db     *sql.DB
	sealer *sealer
	logger logging.ServiceLogger
	now    func() time.Time
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path, secret string, logger logging.ServiceLogger) (*Store, error) {
	if path == "" {
		path = MemoryPath
	}
	s, err := newSealer(secret)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, busyTimeout.Milliseconds())
	if path == MemoryPath {
		dsn = "file::memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// One connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if logger == nil {
		logger = logging.NewNopLogger()
	}
	store := &Store{db: db, sealer: s, logger: logger, now: time.Now}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Debug("Profile store ready", logging.LogFields{"path": path})
	return store, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create stores a new profile.
func (s *Store) Create(ctx context.Context, req CreateRequest) (Profile, error) {
	if err := req.normalize(); err != nil {
		return Profile{}, err
	}
	sealed, err := s.sealer.seal(req.Password)
	if err != nil {
		return Profile{}, err
	}
	if err := s.ensureNameFree(ctx, req.Name, 0); err != nil {
		return Profile{}, err
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO connections
		(name, host, port, management_port, username, password_encrypted, virtual_host, use_ssl, description, created_at, updated_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		req.Name, req.Host, req.Port, req.ManagementPort, req.Username, sealed, req.VirtualHost,
		req.UseSSL, req.Description, formatTime(now), formatTime(now))
	if err != nil {
		return Profile{}, mapWriteError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Profile{}, err
	}
	s.logger.Info("Connection profile created", logging.LogFields{"connection_id": id, "name": req.Name})
	return s.Get(ctx, id)
}

// List returns the active profiles ordered by id.
func (s *Store) List(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM connections WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := []Profile{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, rec.masked())
	}
	return profiles, rows.Err()
}

// Get returns an active profile.
func (s *Store) Get(ctx context.Context, id int64) (Profile, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return Profile{}, err
	}
	return rec.masked(), nil
}

// Update applies a partial update to an active profile.
func (s *Store) Update(ctx context.Context, id int64, req UpdateRequest) (Profile, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return Profile{}, err
	}
	if err := req.apply(&rec); err != nil {
		return Profile{}, err
	}
	if req.Password != nil {
		if *req.Password == "" {
			return Profile{}, invalid(errors.New("password must not be empty"))
		}
		if rec.passwordSealed, err = s.sealer.seal(*req.Password); err != nil {
			return Profile{}, err
		}
	}
	if rec.IsActive {
		if err := s.ensureNameFree(ctx, rec.Name, id); err != nil {
			return Profile{}, err
		}
	}

	rec.UpdatedAt = s.now().UTC()
	_, err = s.db.ExecContext(ctx, `UPDATE connections SET
		name = ?, host = ?, port = ?, management_port = ?, username = ?, password_encrypted = ?,
		virtual_host = ?, use_ssl = ?, description = ?, updated_at = ?, is_active = ?
		WHERE id = ?`,
		rec.Name, rec.Host, rec.Port, rec.ManagementPort, rec.Username, rec.passwordSealed,
		rec.VirtualHost, rec.UseSSL, rec.Description, formatTime(rec.UpdatedAt), rec.IsActive, id)
	if err != nil {
		return Profile{}, mapWriteError(err)
	}
	return rec.masked(), nil
}

// Delete marks a profile inactive. Its row is kept.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE connections SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1`,
		formatTime(s.now().UTC()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return rserrors.ErrProfileNotFound
	}
	s.logger.Info("Connection profile deleted", logging.LogFields{"connection_id": id})
	return nil
}

// Resolve returns the decrypted broker parameters of an active profile. id
// is the decimal profile id as it appears in URLs.
func (s *Store) Resolve(ctx context.Context, id string) (broker.Params, error) {
	n, err := ParseID(id)
	if err != nil {
		return broker.Params{}, err
	}
	rec, err := s.lookup(ctx, n)
	if err != nil {
		return broker.Params{}, err
	}
	password, err := s.sealer.open(rec.passwordSealed)
	if err != nil {
		return broker.Params{}, err
	}
	return rec.params(password), nil
}

// ParseID parses a profile id from its decimal form. Malformed ids are
// reported as not found.
func ParseID(id string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || n <= 0 {
		return 0, rserrors.ErrProfileNotFound
	}
	return n, nil
}

func (s *Store) lookup(ctx context.Context, id int64) (record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM connections WHERE id = ? AND is_active = 1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record{}, rserrors.ErrProfileNotFound
	}
	return rec, err
}

func (s *Store) ensureNameFree(ctx context.Context, name string, exceptID int64) error {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM connections WHERE name = ? AND is_active = 1 AND id <> ?`, name, exceptID).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return rserrors.ErrProfileNameTaken
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (record, error) {
	var (
		rec                  record
		description          sql.NullString
		createdAt, updatedAt string
	)
	err := sc.Scan(&rec.ID, &rec.Name, &rec.Host, &rec.Port, &rec.ManagementPort, &rec.Username,
		&rec.passwordSealed, &rec.VirtualHost, &rec.UseSSL, &description, &createdAt, &updatedAt, &rec.IsActive)
	if err != nil {
		return record{}, err
	}
	if description.Valid {
		rec.Description = &description.String
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return record{}, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return record{}, err
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func mapWriteError(err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return rserrors.ErrProfileNameTaken
	}
	return err
}
