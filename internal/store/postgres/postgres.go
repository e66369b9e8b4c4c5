// Package postgres opens the inventory store on PostgreSQL through pgx.
package postgres

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/svcprobe/internal/store"
)

var dialect = store.Dialect{
	Name:     "postgres",
	Numbered: true,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS servers(
			address TEXT NOT NULL,
			port INTEGER NOT NULL,
			software TEXT NULL,
			version TEXT NULL,
			country TEXT NULL,
			online_players INTEGER NULL,
			max_players INTEGER NULL,
			first_seen BIGINT NOT NULL,
			last_seen BIGINT NOT NULL,
			PRIMARY KEY(address, port)
		);`,
		`CREATE TABLE IF NOT EXISTS server_visits(
			address TEXT NOT NULL,
			port INTEGER NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('visited', 'skipped', 'whitelisted')),
			visited_at TIMESTAMPTZ NOT NULL,
			notes TEXT NULL,
			rating INTEGER NULL,
			PRIMARY KEY(address, port)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_servers_last_seen ON servers(last_seen);`,
		`CREATE INDEX IF NOT EXISTS idx_server_visits_status ON server_visits(status);`,
	},
}

func New(dsn string) (*store.DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return store.NewDB(d, dialect), nil
}
