// Package store persists the server inventory served by the reference service.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("server not found")
	ErrInvalidStatus = errors.New("invalid visit status")
)

// VisitStatus is the review state of a server. Servers without a visit row
// report StatusNotVisited.
type VisitStatus string

const (
	StatusNotVisited  VisitStatus = "not_visited"
	StatusVisited     VisitStatus = "visited"
	StatusSkipped     VisitStatus = "skipped"
	StatusWhitelisted VisitStatus = "whitelisted"
)

// Writable reports whether s may be stored on a visit row.
func (s VisitStatus) Writable() bool {
	switch s {
	case StatusVisited, StatusSkipped, StatusWhitelisted:
		return true
	}
	return false
}

// Key identifies a server.
type Key struct {
	Address string
	Port    int
}

// Server is one inventory row joined with its visit, if any.
type Server struct {
	Address       string      `json:"address"`
	Port          int         `json:"port"`
	Software      *string     `json:"software"`
	Version       *string     `json:"version"`
	Country       *string     `json:"country"`
	OnlinePlayers *int        `json:"online_players"`
	MaxPlayers    *int        `json:"max_players"`
	FirstSeen     int64       `json:"first_seen"`
	LastSeen      int64       `json:"last_seen"`
	Status        VisitStatus `json:"status"`
	Visited       bool        `json:"visited"`
	VisitedAt     *time.Time  `json:"visited_at"`
	Notes         *string     `json:"notes"`
	Rating        *int        `json:"rating"`
}

func (s Server) Key() Key { return Key{Address: s.Address, Port: s.Port} }

// Listing bounds.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Filter narrows ListServers. Zero values mean "any".
type Filter struct {
	Status     VisitStatus
	Visited    *bool // true: status visited, false: any other status
	Software   []string
	Country    string
	MinPlayers *int
	MaxPlayers *int
	SortBy     string // one of SortFields; unknown values sort by last_seen
	SortAsc    bool
	Limit      int
	Offset     int
}

// SortFields lists the accepted Filter.SortBy values.
var SortFields = []string{"last_seen", "first_seen", "online_players", "max_players", "address", "software", "country", "rating"}

// Normalized applies the default limit, the limit cap and a non-negative offset.
func (f Filter) Normalized() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Visit is the body of a visit mark or update. An empty Status means visited
// on MarkVisit and "unchanged" on UpdateVisit.
type Visit struct {
	Status VisitStatus `json:"status,omitempty"`
	Notes  *string     `json:"notes"`
	Rating *int        `json:"rating"`
}

// Stats summarizes the inventory. Unvisited counts servers with no visit row.
type Stats struct {
	TotalServers        int64    `json:"total_servers"`
	VisitedServers      int64    `json:"visited_servers"`
	SkippedServers      int64    `json:"skipped_servers"`
	WhitelistedServers  int64    `json:"whitelisted_servers"`
	UnvisitedServers    int64    `json:"unvisited_servers"`
	UniqueSoftwareTypes []string `json:"unique_software_types"`
	UniqueCountries     []string `json:"unique_countries"`
}

// Store is implemented by the sqlite and postgres backends.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// UpsertServer inserts s or refreshes its scan fields. Visit fields are ignored.
	UpsertServer(ctx context.Context, s Server) error
	ListServers(ctx context.Context, f Filter) ([]Server, error)
	// MarkVisit creates or replaces the visit row of an existing server.
	MarkVisit(ctx context.Context, k Key, v Visit) error
	// UpdateVisit changes notes, rating and optionally status of an existing visit.
	UpdateVisit(ctx context.Context, k Key, v Visit) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
