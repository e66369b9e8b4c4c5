package stubservice

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/svcprobe/internal/store"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

// parseKey accepts an IPv4 or IPv6 literal and a port in 1..65535. The
// address is returned in canonical form.
func parseKey(address, port string) (store.Key, error) {
	ip, err := netip.ParseAddr(address)
	if err != nil {
		return store.Key{}, fmt.Errorf("invalid address %q", address)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return store.Key{}, fmt.Errorf("invalid port %q", port)
	}
	return store.Key{Address: ip.Unmap().String(), Port: p}, nil
}

// parseFilter reads the listing query:
// status, visited, software (comma separated), country, min_players,
// max_players, sort_by, sort_order (asc|desc), limit, offset.
func parseFilter(c *gin.Context) (store.Filter, error) {
	f := store.Filter{
		Status:  store.VisitStatus(c.Query("status")),
		Country: c.Query("country"),
		SortBy:  c.Query("sort_by"),
	}
	if sw := c.Query("software"); sw != "" {
		for _, s := range strings.Split(sw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Software = append(f.Software, s)
			}
		}
	}
	switch strings.ToLower(c.DefaultQuery("sort_order", "desc")) {
	case "asc":
		f.SortAsc = true
	case "desc":
	default:
		return f, fmt.Errorf("invalid sort_order %q", c.Query("sort_order"))
	}
	if v := c.Query("visited"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("invalid visited %q", v)
		}
		f.Visited = &b
	}
	var err error
	if f.Limit, err = intParam(c, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(c, "offset"); err != nil {
		return f, err
	}
	if f.MinPlayers, err = optIntParam(c, "min_players"); err != nil {
		return f, err
	}
	if f.MaxPlayers, err = optIntParam(c, "max_players"); err != nil {
		return f, err
	}
	return f, nil
}

func intParam(c *gin.Context, key string) (int, error) {
	p, err := optIntParam(c, key)
	if err != nil || p == nil {
		return 0, err
	}
	return *p, nil
}

func optIntParam(c *gin.Context, key string) (*int, error) {
	v := c.Query(key)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", key, v)
	}
	return &n, nil
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
