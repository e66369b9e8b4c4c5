// Package sqlite opens the inventory store on SQLite through the CGO-free
// modernc.org/sqlite driver.
package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/svcprobe/internal/store"
)

var dialect = store.Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS servers(
			address TEXT NOT NULL,
			port INTEGER NOT NULL,
			software TEXT NULL,
			version TEXT NULL,
			country TEXT NULL,
			online_players INTEGER NULL,
			max_players INTEGER NULL,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			PRIMARY KEY(address, port)
		);`,
		`CREATE TABLE IF NOT EXISTS server_visits(
			address TEXT NOT NULL,
			port INTEGER NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('visited', 'skipped', 'whitelisted')),
			visited_at TIMESTAMP NOT NULL,
			notes TEXT NULL,
			rating INTEGER NULL,
			PRIMARY KEY(address, port)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_servers_last_seen ON servers(last_seen);`,
		`CREATE INDEX IF NOT EXISTS idx_server_visits_status ON server_visits(status);`,
	},
}

// New opens a SQLite database at path. Use ":memory:" for a private in-memory
// database.
func New(path string) (*store.DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one connection: every :memory: connection is a separate database, and
	// writers never contend for the file lock
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks from other processes
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return store.NewDB(d, dialect), nil
}
