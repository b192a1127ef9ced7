// Package opstoretest builds throwaway engine databases for tests.
package opstoretest

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	_ "github.com/glebarez/go-sqlite"
)

const GiB = uint64(1) << 30

const schema = `
CREATE TABLE inbounds (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	remark TEXT,
	protocol TEXT,
	settings TEXT
);
CREATE TABLE client_traffics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	inbound_id INTEGER,
	enable INTEGER,
	email TEXT UNIQUE,
	up INTEGER,
	down INTEGER,
	expiry_time INTEGER,
	total INTEGER,
	last_online INTEGER DEFAULT 0
);`

// Client describes one account to seed. Traffic rows are only created when
// WithTraffic is set.
type Client struct {
	Email          string
	Enable         bool
	TotalBytes     uint64
	ExpiryTime     int64
	Extra          map[string]any
	WithTraffic    bool
	TrafficEnabled bool
	Up, Down       uint64
	LastOnline     int64
}

type Fixture struct {
	Path string
	DB   *sql.DB
	t    testing.TB
}

// New creates an engine database under t.TempDir and closes it on cleanup.
func New(t testing.TB) *Fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "x-ui.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open fixture db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create fixture schema: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &Fixture{Path: path, DB: db, t: t}
}

// AddInbound inserts an inbound with the given clients plus extra top-level
// settings and returns its id.
func (f *Fixture) AddInbound(extra map[string]any, clients ...Client) int64 {
	f.t.Helper()
	doc := map[string]any{}
	for k, v := range extra {
		doc[k] = v
	}
	entries := make([]map[string]any, 0, len(clients))
	for _, c := range clients {
		entry := map[string]any{
			"email":      c.Email,
			"enable":     c.Enable,
			"totalGB":    c.TotalBytes,
			"expiryTime": c.ExpiryTime,
		}
		for k, v := range c.Extra {
			entry[k] = v
		}
		entries = append(entries, entry)
	}
	doc["clients"] = entries
	blob, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		f.t.Fatalf("encode inbound settings: %v", err)
	}
	id := f.AddRawInbound(string(blob))
	for _, c := range clients {
		if c.WithTraffic {
			f.AddTraffic(id, c)
		}
	}
	return id
}

func (f *Fixture) AddRawInbound(settings string) int64 {
	f.t.Helper()
	res, err := f.DB.Exec(`INSERT INTO inbounds (remark, protocol, settings) VALUES ('fixture', 'vless', ?)`, settings)
	if err != nil {
		f.t.Fatalf("insert inbound: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		f.t.Fatalf("inbound id: %v", err)
	}
	return id
}

func (f *Fixture) AddTraffic(inboundID int64, c Client) {
	f.t.Helper()
	_, err := f.DB.Exec(`
		INSERT INTO client_traffics (inbound_id, enable, email, up, down, expiry_time, total, last_online)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inboundID, c.TrafficEnabled, c.Email, int64(c.Up), int64(c.Down), c.ExpiryTime, int64(c.TotalBytes), c.LastOnline)
	if err != nil {
		f.t.Fatalf("insert traffic row: %v", err)
	}
}

func (f *Fixture) Settings(inboundID int64) map[string]any {
	f.t.Helper()
	var raw string
	if err := f.DB.QueryRow(`SELECT settings FROM inbounds WHERE id = ?`, inboundID).Scan(&raw); err != nil {
		f.t.Fatalf("read settings: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		f.t.Fatalf("decode settings: %v", err)
	}
	return doc
}

// ClientEntry returns the decoded clients[] element for email.
func (f *Fixture) ClientEntry(inboundID int64, email string) map[string]any {
	f.t.Helper()
	clients, _ := f.Settings(inboundID)["clients"].([]any)
	for _, c := range clients {
		entry, _ := c.(map[string]any)
		if entry["email"] == email {
			return entry
		}
	}
	f.t.Fatalf("client %s not found in inbound %d", email, inboundID)
	return nil
}

type Traffic struct {
	Up, Down   int64
	Enable     bool
	ExpiryTime int64
	Found      bool
}

func (f *Fixture) Traffic(email string) Traffic {
	f.t.Helper()
	var tr Traffic
	err := f.DB.QueryRow(`SELECT up, down, enable, expiry_time FROM client_traffics WHERE email = ?`, email).
		Scan(&tr.Up, &tr.Down, &tr.Enable, &tr.ExpiryTime)
	if err == sql.ErrNoRows {
		return tr
	}
	if err != nil {
		f.t.Fatalf("read traffic: %v", err)
	}
	tr.Found = true
	return tr
}

func (f *Fixture) SetTraffic(email string, up, down uint64) {
	f.t.Helper()
	if _, err := f.DB.Exec(`UPDATE client_traffics SET up = ?, down = ? WHERE email = ?`, int64(up), int64(down), email); err != nil {
		f.t.Fatalf("update traffic: %v", err)
	}
}

func (f *Fixture) SetTrafficEnabled(email string, enabled bool) {
	f.t.Helper()
	if _, err := f.DB.Exec(`UPDATE client_traffics SET enable = ? WHERE email = ?`, enabled, email); err != nil {
		f.t.Fatalf("update traffic enable: %v", err)
	}
}
