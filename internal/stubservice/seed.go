package stubservice

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/loykin/svcprobe/internal/store"
)

var (
	seedSoftware  = []string{"vanilla", "paper", "spigot", "forge", "fabric", "purpur"}
	seedCountries = []string{"DE", "US", "FR", "NL", "FI", "BR", "Unknown"}
)

// Seed inserts n demo servers with addresses in 198.51.100.0/24 and up. The
// same seed yields the same rows, so reseeding an existing store only
// refreshes them.
func Seed(ctx context.Context, st store.Store, n int, seed uint64) error {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	now := time.Now().Unix()
	for i := 0; i < n; i++ {
		s := store.Server{
			Address:   fmt.Sprintf("198.51.%d.%d", 100+i/254, 1+i%254),
			Port:      25565 + rng.IntN(3),
			FirstSeen: now - int64(rng.IntN(30*24*3600)),
		}
		s.LastSeen = s.FirstSeen + int64(rng.IntN(3600))
		// roughly one in eight servers did not report software
		if rng.IntN(8) != 0 {
			sw := seedSoftware[rng.IntN(len(seedSoftware))]
			ver := fmt.Sprintf("1.%d.%d", 16+rng.IntN(6), rng.IntN(5))
			s.Software, s.Version = &sw, &ver
		}
		country := seedCountries[rng.IntN(len(seedCountries))]
		s.Country = &country
		maxp := 10 * (1 + rng.IntN(20))
		online := rng.IntN(maxp + 1)
		s.MaxPlayers, s.OnlinePlayers = &maxp, &online
		if err := st.UpsertServer(ctx, s); err != nil {
			return fmt.Errorf("seed server %d: %w", i, err)
		}
	}
	return nil
}
