package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect carries what differs between the SQL backends.
type Dialect struct {
	Name   string
	Schema []string
	// Numbered placeholders ($1, $2, ...) instead of "?".
	Numbered bool
}

// DB implements Store over database/sql. Queries are written with "?" and
// rebound for dialects with numbered placeholders.
type DB struct {
	db *sql.DB
	d  Dialect
}

func NewDB(db *sql.DB, d Dialect) *DB { return &DB{db: db, d: d} }

func (s *DB) Dialect() string { return s.d.Name }

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) EnsureSchema(ctx context.Context) error {
	for _, q := range s.d.Schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%s schema: %w", s.d.Name, err)
		}
	}
	return nil
}

func (s *DB) rebind(q string) string {
	if !s.d.Numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *DB) UpsertServer(ctx context.Context, srv Server) error {
	if srv.FirstSeen == 0 {
		srv.FirstSeen = time.Now().Unix()
	}
	if srv.LastSeen == 0 {
		srv.LastSeen = srv.FirstSeen
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO servers(address, port, software, version, country, online_players, max_players, first_seen, last_seen)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address, port) DO UPDATE SET
			software=excluded.software,
			version=excluded.version,
			country=excluded.country,
			online_players=excluded.online_players,
			max_players=excluded.max_players,
			last_seen=excluded.last_seen;`),
		srv.Address, srv.Port, srv.Software, srv.Version, srv.Country,
		srv.OnlinePlayers, srv.MaxPlayers, srv.FirstSeen, srv.LastSeen)
	return err
}

var sortColumns = map[string]string{
	"last_seen":      "s.last_seen",
	"first_seen":     "s.first_seen",
	"online_players": "s.online_players",
	"max_players":    "s.max_players",
	"address":        "s.address",
	"software":       "s.software",
	"country":        "s.country",
	"rating":         "v.rating",
}

func (s *DB) ListServers(ctx context.Context, f Filter) ([]Server, error) {
	f = f.Normalized()
	var (
		where []string
		args  []any
	)
	switch f.Status {
	case "":
	case StatusNotVisited:
		where = append(where, "v.address IS NULL")
	case StatusVisited, StatusSkipped, StatusWhitelisted:
		where = append(where, "v.status = ?")
		args = append(args, string(f.Status))
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, f.Status)
	}
	if f.Visited != nil {
		if *f.Visited {
			where = append(where, "v.status = 'visited'")
		} else {
			where = append(where, "COALESCE(v.status, 'not_visited') <> 'visited'")
		}
	}
	if len(f.Software) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(f.Software)), ", ")
		where = append(where, "s.software IN ("+marks+")")
		for _, sw := range f.Software {
			args = append(args, sw)
		}
	}
	if f.Country != "" {
		where = append(where, "s.country = ?")
		args = append(args, f.Country)
	}
	if f.MinPlayers != nil {
		where = append(where, "s.online_players >= ?")
		args = append(args, *f.MinPlayers)
	}
	if f.MaxPlayers != nil {
		where = append(where, "s.max_players <= ?")
		args = append(args, *f.MaxPlayers)
	}

	q := `
		SELECT s.address, s.port, s.software, s.version, s.country, s.online_players, s.max_players,
			s.first_seen, s.last_seen, COALESCE(v.status, 'not_visited'), v.visited_at, v.notes, v.rating
		FROM servers s
		LEFT JOIN server_visits v ON s.address = v.address AND s.port = v.port`
	if len(where) > 0 {
		q += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	col, ok := sortColumns[f.SortBy]
	if !ok {
		col = "s.last_seen"
	}
	order := "DESC"
	if f.SortAsc {
		order = "ASC"
	}
	// address breaks ties so paging is stable
	q += fmt.Sprintf("\n\t\tORDER BY %s %s NULLS LAST, s.address, s.port\n\t\tLIMIT ? OFFSET ?;", col, order)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanServers(rows)
}

func scanServers(rows *sql.Rows) ([]Server, error) {
	out := make([]Server, 0)
	for rows.Next() {
		var (
			r                  Server
			software, version  sql.NullString
			country, notes     sql.NullString
			online, maxp, rate sql.NullInt64
			visitedAt          sql.NullTime
			status             string
		)
		if err := rows.Scan(&r.Address, &r.Port, &software, &version, &country, &online, &maxp,
			&r.FirstSeen, &r.LastSeen, &status, &visitedAt, &notes, &rate); err != nil {
			return nil, err
		}
		r.Software = nullString(software)
		r.Version = nullString(version)
		r.Country = nullString(country)
		r.Notes = nullString(notes)
		r.OnlinePlayers = nullInt(online)
		r.MaxPlayers = nullInt(maxp)
		r.Rating = nullInt(rate)
		if visitedAt.Valid {
			t := visitedAt.Time.UTC()
			r.VisitedAt = &t
		}
		r.Status = VisitStatus(status)
		r.Visited = r.Status == StatusVisited
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DB) MarkVisit(ctx context.Context, k Key, v Visit) error {
	if v.Status == "" {
		v.Status = StatusVisited
	}
	if !v.Status.Writable() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, v.Status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM servers WHERE address = ? AND port = ?;`), k.Address, k.Port).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO server_visits(address, port, status, visited_at, notes, rating)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(address, port) DO UPDATE SET
			status=excluded.status,
			visited_at=excluded.visited_at,
			notes=excluded.notes,
			rating=excluded.rating;`),
		k.Address, k.Port, string(v.Status), time.Now().UTC(), v.Notes, v.Rating); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *DB) UpdateVisit(ctx context.Context, k Key, v Visit) error {
	q := `UPDATE server_visits SET notes = ?, rating = ?`
	args := []any{v.Notes, v.Rating}
	if v.Status != "" {
		if !v.Status.Writable() {
			return fmt.Errorf("%w: %q", ErrInvalidStatus, v.Status)
		}
		q += `, status = ?`
		args = append(args, string(v.Status))
	}
	q += ` WHERE address = ? AND port = ?;`
	args = append(args, k.Address, k.Port)
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *DB) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN v.status = 'visited' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN v.status = 'skipped' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN v.status = 'whitelisted' THEN 1 ELSE 0 END), 0)
		FROM servers s
		LEFT JOIN server_visits v ON s.address = v.address AND s.port = v.port;`).
		Scan(&st.TotalServers, &st.VisitedServers, &st.SkippedServers, &st.WhitelistedServers)
	if err != nil {
		return Stats{}, err
	}
	st.UnvisitedServers = st.TotalServers - st.VisitedServers - st.SkippedServers - st.WhitelistedServers
	if st.UniqueSoftwareTypes, err = s.column(ctx,
		`SELECT DISTINCT software FROM servers WHERE software IS NOT NULL ORDER BY software;`); err != nil {
		return Stats{}, err
	}
	if st.UniqueCountries, err = s.column(ctx,
		`SELECT DISTINCT country FROM servers WHERE country IS NOT NULL AND country <> 'Unknown' ORDER BY country;`); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (s *DB) column(ctx context.Context, q string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
