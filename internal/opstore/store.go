package opstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type Options struct {
	BusyTimeout time.Duration
}

// Store reads and rewrites the engine's inbounds and client_traffics tables.
// The database is opened per operation so a missing file is reported as
// ErrStoreUnavailable instead of being created.
type Store struct {
	path string
	opts Options
	db   *sql.DB
}

func New(path string, opts Options) *Store {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	return &Store{path: path, opts: opts}
}

// NewWithDB binds the store to an already open handle, which it never closes.
func NewWithDB(db *sql.DB, opts Options) *Store {
	st := New("", opts)
	st.db = db
	return st
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) open(ctx context.Context) (*sql.DB, func(), error) {
	if s.db != nil {
		return s.db, func() {}, nil
	}
	if _, err := os.Stat(s.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrStoreUnavailable, s.path)
		}
		return nil, nil, err
	}
	dsn := fmt.Sprintf("file:%s?mode=rw&_txlock=immediate&_pragma=busy_timeout(%d)", s.path, s.opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, func() { _ = db.Close() }, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type inboundRow struct {
	id       int64
	settings *InboundSettings
}

// loadInbounds decodes every inbound. Undecodable rows are returned as
// DecodeErrors and left out of the result.
func loadInbounds(ctx context.Context, q queryer) ([]inboundRow, []*DecodeError, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, settings FROM inbounds ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("query inbounds: %w", err)
	}
	defer rows.Close()

	var out []inboundRow
	var skipped []*DecodeError
	for rows.Next() {
		var id int64
		var raw sql.NullString
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, nil, err
		}
		settings, err := DecodeSettings([]byte(raw.String))
		if err != nil {
			skipped = append(skipped, &DecodeError{InboundID: id, Err: err})
			continue
		}
		out = append(out, inboundRow{id: id, settings: settings})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return out, skipped, nil
}

type trafficRow struct {
	up, down   uint64
	enable     bool
	expiryTime int64
	lastOnline int64
}

func loadTraffic(ctx context.Context, q queryer) (map[string]trafficRow, error) {
	rows, err := q.QueryContext(ctx, `SELECT email, up, down, enable, expiry_time, last_online FROM client_traffics`)
	if err != nil {
		return nil, fmt.Errorf("query client traffics: %w", err)
	}
	defer rows.Close()

	out := make(map[string]trafficRow)
	for rows.Next() {
		var email string
		var up, down, expiry, lastOnline sql.NullInt64
		var enable sql.NullBool
		if err := rows.Scan(&email, &up, &down, &enable, &expiry, &lastOnline); err != nil {
			return nil, err
		}
		out[email] = trafficRow{
			up:         nonNegative(up.Int64),
			down:       nonNegative(down.Int64),
			enable:     enable.Bool,
			expiryTime: expiry.Int64,
			lastOnline: lastOnline.Int64,
		}
	}
	return out, rows.Err()
}

func nonNegative(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// ListAccounts snapshots every keyed client across all inbounds. A key that
// appears in more than one inbound is reported in Accounts once, from the
// lowest inbound id; its other entries go to Duplicates.
func (s *Store) ListAccounts(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	db, done, err := s.open(ctx)
	if err != nil {
		return snap, err
	}
	defer done()

	inbounds, skipped, err := loadInbounds(ctx, db)
	if err != nil {
		return snap, err
	}
	snap.Skipped = skipped
	traffic, err := loadTraffic(ctx, db)
	if err != nil {
		return snap, err
	}

	seen := make(map[string]bool)
	for _, in := range inbounds {
		for _, client := range in.settings.Clients {
			if client.Email == "" {
				continue
			}
			acct := Account{
				Key:        client.Email,
				InboundID:  in.id,
				Enabled:    client.Enable,
				QuotaBytes: client.TotalBytes,
				ExpiryAtMs: client.ExpiryTime,
			}
			if row, ok := traffic[client.Email]; ok {
				acct.HasTraffic = true
				acct.TrafficEnabled = row.enable
				acct.UpBytes = row.up
				acct.DownBytes = row.down
				acct.LastSeenMs = row.lastOnline
			}
			if seen[client.Email] {
				snap.Duplicates = append(snap.Duplicates, acct)
				continue
			}
			seen[client.Email] = true
			snap.Accounts = append(snap.Accounts, acct)
		}
	}
	return snap, nil
}

func (s *Store) Lookup(ctx context.Context, key string) (Account, error) {
	snap, err := s.ListAccounts(ctx)
	if err != nil {
		return Account{}, err
	}
	acct, ok := snap.Find(key)
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, key)
	}
	return acct, nil
}

func (s *Store) SetEnabled(ctx context.Context, key string, enabled bool) error {
	return s.Update(ctx, key, Changes{Enabled: &enabled})
}

func (s *Store) SetQuota(ctx context.Context, key string, quotaBytes uint64) error {
	return s.Update(ctx, key, Changes{QuotaBytes: &quotaBytes})
}

func (s *Store) SetExpiry(ctx context.Context, key string, expiryAtMs int64) error {
	return s.Update(ctx, key, Changes{ExpiryAtMs: &expiryAtMs})
}

// Update rewrites every inbound blob holding key and mirrors enable and
// expiry into the traffic row, all in one transaction.
func (s *Store) Update(ctx context.Context, key string, changes Changes) error {
	if changes.Empty() {
		return nil
	}
	touched, err := s.mutate(ctx, func(c *Client) bool {
		if c.Email != key {
			return false
		}
		if changes.Enabled != nil {
			c.Enable = *changes.Enabled
		}
		if changes.QuotaBytes != nil {
			c.TotalBytes = *changes.QuotaBytes
		}
		if changes.ExpiryAtMs != nil {
			c.ExpiryTime = *changes.ExpiryAtMs
		}
		return true
	}, func(ctx context.Context, tx *sql.Tx, keys []string) error {
		var sets []string
		var args []any
		if changes.Enabled != nil {
			sets = append(sets, "enable = ?")
			args = append(args, *changes.Enabled)
		}
		if changes.ExpiryAtMs != nil {
			sets = append(sets, "expiry_time = ?")
			args = append(args, *changes.ExpiryAtMs)
		}
		if len(sets) == 0 {
			return nil
		}
		args = append(args, key)
		_, err := tx.ExecContext(ctx, `UPDATE client_traffics SET `+strings.Join(sets, ", ")+` WHERE email = ?`, args...)
		return err
	})
	if err != nil {
		return err
	}
	if len(touched) == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, key)
	}
	return nil
}

// DisableAccounts sets enable=false for every listed key in both the blob
// and the traffic row. Unknown keys are ignored. It returns the keys found.
func (s *Store) DisableAccounts(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	return s.mutate(ctx, func(c *Client) bool {
		if !want[c.Email] {
			return false
		}
		c.Enable = false
		return true
	}, func(ctx context.Context, tx *sql.Tx, found []string) error {
		for _, k := range found {
			if _, err := tx.ExecContext(ctx, `UPDATE client_traffics SET enable = ? WHERE email = ?`, false, k); err != nil {
				return err
			}
		}
		return nil
	})
}

// mutate applies fn to every client, rewrites the inbounds fn touched, then
// runs mirror with the touched keys. Nothing is written when no client matches.
func (s *Store) mutate(
	ctx context.Context,
	fn func(c *Client) bool,
	mirror func(ctx context.Context, tx *sql.Tx, keys []string) error,
) ([]string, error) {
	db, done, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	inbounds, _, err := loadInbounds(ctx, tx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var touched []string
	for _, in := range inbounds {
		changed := false
		for i := range in.settings.Clients {
			if fn(&in.settings.Clients[i]) {
				changed = true
				if key := in.settings.Clients[i].Email; !seen[key] {
					seen[key] = true
					touched = append(touched, key)
				}
			}
		}
		if !changed {
			continue
		}
		encoded, err := in.settings.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode inbound %d settings: %w", in.id, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE inbounds SET settings = ? WHERE id = ?`, string(encoded), in.id); err != nil {
			return nil, fmt.Errorf("write inbound %d settings: %w", in.id, err)
		}
	}
	if len(touched) == 0 {
		return nil, nil
	}
	if err := mirror(ctx, tx, touched); err != nil {
		return nil, fmt.Errorf("mirror traffic rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return touched, nil
}

func (s *Store) Usage(ctx context.Context, key string) (Usage, error) {
	db, done, err := s.open(ctx)
	if err != nil {
		return Usage{}, err
	}
	defer done()

	var up, down sql.NullInt64
	err = db.QueryRowContext(ctx, `SELECT up, down FROM client_traffics WHERE email = ?`, key).Scan(&up, &down)
	if errors.Is(err, sql.ErrNoRows) {
		return Usage{}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("query usage: %w", err)
	}
	return Usage{Up: nonNegative(up.Int64), Down: nonNegative(down.Int64), Found: true}, nil
}

// ResetUsageCounters zeroes or purges the traffic row. A missing row is a no-op.
func (s *Store) ResetUsageCounters(ctx context.Context, key string, mode ResetMode) error {
	db, done, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer done()

	switch mode {
	case ResetPurge:
		_, err = db.ExecContext(ctx, `DELETE FROM client_traffics WHERE email = ?`, key)
	default:
		_, err = db.ExecContext(ctx, `UPDATE client_traffics SET up = 0, down = 0 WHERE email = ?`, key)
	}
	if err != nil {
		return fmt.Errorf("reset usage (%s): %w", mode, err)
	}
	return nil
}
