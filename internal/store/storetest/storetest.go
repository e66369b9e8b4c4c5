// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcprobe/internal/store"
)

func ptr[T any](v T) *T { return &v }

// Seed inserts five servers with distinct last_seen values, newest first:
// 10.0.0.5 .. 10.0.0.1.
func Seed(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	rows := []store.Server{
		{Address: "10.0.0.1", Port: 25565, Software: ptr("vanilla"), Country: ptr("DE"), OnlinePlayers: ptr(1), MaxPlayers: ptr(20), FirstSeen: 100, LastSeen: 1001},
		{Address: "10.0.0.2", Port: 25565, Software: ptr("paper"), Country: ptr("US"), OnlinePlayers: ptr(15), MaxPlayers: ptr(100), FirstSeen: 100, LastSeen: 1002},
		{Address: "10.0.0.3", Port: 25566, Software: ptr("paper"), Country: ptr("Unknown"), OnlinePlayers: ptr(0), MaxPlayers: ptr(10), FirstSeen: 100, LastSeen: 1003},
		{Address: "10.0.0.4", Port: 25565, Country: ptr("FR"), FirstSeen: 100, LastSeen: 1004},
		{Address: "10.0.0.5", Port: 19132, Software: ptr("bedrock"), FirstSeen: 100, LastSeen: 1005},
	}
	for _, r := range rows {
		require.NoError(t, s.UpsertServer(ctx, r))
	}
}

// Run exercises s, which must have an empty schema in place.
func Run(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seed(t, s)

	t.Run("EmptyStats", func(t *testing.T) {
		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 5, st.TotalServers)
		assert.EqualValues(t, 5, st.UnvisitedServers)
		assert.Equal(t, []string{"bedrock", "paper", "vanilla"}, st.UniqueSoftwareTypes)
		assert.Equal(t, []string{"DE", "FR", "US"}, st.UniqueCountries)
	})

	t.Run("ListDefaultOrder", func(t *testing.T) {
		got, err := s.ListServers(ctx, store.Filter{})
		require.NoError(t, err)
		require.Len(t, got, 5)
		assert.Equal(t, "10.0.0.5", got[0].Address)
		assert.Equal(t, store.StatusNotVisited, got[0].Status)
		assert.False(t, got[0].Visited)
		assert.Nil(t, got[1].Software)
		require.NotNil(t, got[1].Country)
		assert.Equal(t, "FR", *got[1].Country)
	})

	t.Run("LimitOffset", func(t *testing.T) {
		got, err := s.ListServers(ctx, store.Filter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "10.0.0.4", got[0].Address)
		assert.Equal(t, "10.0.0.3", got[1].Address)
	})

	t.Run("MarkVisit", func(t *testing.T) {
		k := store.Key{Address: "10.0.0.2", Port: 25565}
		require.NoError(t, s.MarkVisit(ctx, k, store.Visit{Notes: ptr("first look"), Rating: ptr(4)}))

		got, err := s.ListServers(ctx, store.Filter{Visited: ptr(true)})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, k, got[0].Key())
		assert.True(t, got[0].Visited)
		assert.Equal(t, store.StatusVisited, got[0].Status)
		require.NotNil(t, got[0].VisitedAt)
		require.NotNil(t, got[0].Rating)
		assert.Equal(t, 4, *got[0].Rating)

		// marking again replaces the row instead of failing
		require.NoError(t, s.MarkVisit(ctx, k, store.Visit{Notes: ptr("second look")}))
		got, err = s.ListServers(ctx, store.Filter{Status: store.StatusVisited})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "second look", *got[0].Notes)
		assert.Nil(t, got[0].Rating)

		notVisited, err := s.ListServers(ctx, store.Filter{Visited: ptr(false)})
		require.NoError(t, err)
		assert.Len(t, notVisited, 4)
	})

	t.Run("MarkVisitErrors", func(t *testing.T) {
		err := s.MarkVisit(ctx, store.Key{Address: "192.0.2.1", Port: 1}, store.Visit{})
		assert.ErrorIs(t, err, store.ErrNotFound)
		err = s.MarkVisit(ctx, store.Key{Address: "10.0.0.1", Port: 25565}, store.Visit{Status: store.StatusNotVisited})
		assert.ErrorIs(t, err, store.ErrInvalidStatus)
	})

	t.Run("StatusFilters", func(t *testing.T) {
		require.NoError(t, s.MarkVisit(ctx, store.Key{Address: "10.0.0.3", Port: 25566}, store.Visit{Status: store.StatusSkipped}))
		require.NoError(t, s.MarkVisit(ctx, store.Key{Address: "10.0.0.4", Port: 25565}, store.Visit{Status: store.StatusWhitelisted}))

		skipped, err := s.ListServers(ctx, store.Filter{Status: store.StatusSkipped})
		require.NoError(t, err)
		require.Len(t, skipped, 1)
		assert.Equal(t, "10.0.0.3", skipped[0].Address)

		unvisited, err := s.ListServers(ctx, store.Filter{Status: store.StatusNotVisited})
		require.NoError(t, err)
		assert.Len(t, unvisited, 2)

		_, err = s.ListServers(ctx, store.Filter{Status: "bogus"})
		assert.ErrorIs(t, err, store.ErrInvalidStatus)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 5, st.TotalServers)
		assert.EqualValues(t, 1, st.VisitedServers)
		assert.EqualValues(t, 1, st.SkippedServers)
		assert.EqualValues(t, 1, st.WhitelistedServers)
		assert.EqualValues(t, 2, st.UnvisitedServers)
	})

	t.Run("AttributeFilters", func(t *testing.T) {
		got, err := s.ListServers(ctx, store.Filter{Software: []string{"paper", "bedrock"}})
		require.NoError(t, err)
		assert.Len(t, got, 3)

		got, err = s.ListServers(ctx, store.Filter{Country: "DE"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "10.0.0.1", got[0].Address)

		got, err = s.ListServers(ctx, store.Filter{MinPlayers: ptr(1), MaxPlayers: ptr(50)})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "10.0.0.1", got[0].Address)

		got, err = s.ListServers(ctx, store.Filter{SortBy: "address", SortAsc: true, Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "10.0.0.1", got[0].Address)
	})

	t.Run("UpdateVisit", func(t *testing.T) {
		k := store.Key{Address: "10.0.0.3", Port: 25566}
		require.NoError(t, s.UpdateVisit(ctx, k, store.Visit{Notes: ptr("revisit"), Rating: ptr(2)}))
		got, err := s.ListServers(ctx, store.Filter{Status: store.StatusSkipped})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "revisit", *got[0].Notes)

		require.NoError(t, s.UpdateVisit(ctx, k, store.Visit{Status: store.StatusVisited}))
		got, err = s.ListServers(ctx, store.Filter{Visited: ptr(true)})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		err = s.UpdateVisit(ctx, store.Key{Address: "10.0.0.1", Port: 25565}, store.Visit{})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("UpsertKeepsVisit", func(t *testing.T) {
		require.NoError(t, s.UpsertServer(ctx, store.Server{Address: "10.0.0.2", Port: 25565, Software: ptr("purpur"), FirstSeen: 100, LastSeen: 2000}))
		got, err := s.ListServers(ctx, store.Filter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "10.0.0.2", got[0].Address)
		assert.Equal(t, "purpur", *got[0].Software)
		assert.True(t, got[0].Visited)
	})
}
