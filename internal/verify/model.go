package verify

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

// Stats mirrors GET /api/stats. The optional counters are only reported by
// services that track skipped and whitelisted servers.
type Stats struct {
	TotalServers        int                 `json:"total_servers"`
	VisitedServers      int                 `json:"visited_servers"`
	UnvisitedServers    int                 `json:"unvisited_servers"`
	UniqueSoftwareTypes []string            `json:"unique_software_types"`
	SkippedServers      ldvalue.OptionalInt `json:"skipped_servers,omitempty"`
	WhitelistedServers  ldvalue.OptionalInt `json:"whitelisted_servers,omitempty"`
	UniqueCountries     []string            `json:"unique_countries,omitempty"`
}

// CheckInvariant verifies that every server is counted in exactly one bucket.
func (s Stats) CheckInvariant() error {
	sum := s.VisitedServers + s.UnvisitedServers + s.SkippedServers.OrElse(0) + s.WhitelistedServers.OrElse(0)
	if s.TotalServers != sum {
		return fmt.Errorf("total_servers %d != visited %d + unvisited %d + skipped %d + whitelisted %d",
			s.TotalServers, s.VisitedServers, s.UnvisitedServers, s.SkippedServers.OrElse(0), s.WhitelistedServers.OrElse(0))
	}
	return nil
}

// ServerKey identifies a server record.
type ServerKey struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

func (k ServerKey) String() string { return net.JoinHostPort(k.Address, strconv.Itoa(k.Port)) }

// Server is the subset of a listing record the checks rely on.
type Server struct {
	ServerKey
	Software ldvalue.OptionalString
	Visited  bool
	Status   string
}

// IsVisited accepts either the boolean flag or a "visited" status.
func (s Server) IsVisited() bool { return s.Visited || s.Status == "visited" }

var errNotObject = errors.New("not a JSON object")

// ParseStats reads a stats payload, requiring the four core fields.
func ParseStats(v ldvalue.Value) (Stats, error) {
	if v.Type() != ldvalue.ObjectType {
		return Stats{}, errNotObject
	}
	var s Stats
	var err error
	if s.TotalServers, err = requiredInt(v, "total_servers"); err != nil {
		return Stats{}, err
	}
	if s.VisitedServers, err = requiredInt(v, "visited_servers"); err != nil {
		return Stats{}, err
	}
	if s.UnvisitedServers, err = requiredInt(v, "unvisited_servers"); err != nil {
		return Stats{}, err
	}
	if s.UniqueSoftwareTypes, err = stringList(v, "unique_software_types", true); err != nil {
		return Stats{}, err
	}
	if s.SkippedServers, err = optionalInt(v, "skipped_servers"); err != nil {
		return Stats{}, err
	}
	if s.WhitelistedServers, err = optionalInt(v, "whitelisted_servers"); err != nil {
		return Stats{}, err
	}
	if s.UniqueCountries, err = stringList(v, "unique_countries", false); err != nil {
		return Stats{}, err
	}
	return s, nil
}

// ParseServers reads a listing payload into records.
func ParseServers(v ldvalue.Value) ([]Server, error) {
	if v.Type() != ldvalue.ArrayType {
		return nil, errors.New("not a JSON array")
	}
	out := make([]Server, 0, v.Count())
	for i := 0; i < v.Count(); i++ {
		s, err := ParseServer(v.GetByIndex(i))
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func ParseServer(v ldvalue.Value) (Server, error) {
	if v.Type() != ldvalue.ObjectType {
		return Server{}, errNotObject
	}
	addr := v.GetByKey("address")
	if addr.Type() != ldvalue.StringType || addr.StringValue() == "" {
		return Server{}, errors.New(`missing "address"`)
	}
	port, err := requiredInt(v, "port")
	if err != nil {
		return Server{}, err
	}
	if port < 1 || port > 65535 {
		return Server{}, fmt.Errorf("port %d out of range", port)
	}
	s := Server{ServerKey: ServerKey{Address: addr.StringValue(), Port: port}}
	if sw := v.GetByKey("software"); sw.Type() == ldvalue.StringType {
		s.Software = ldvalue.NewOptionalString(sw.StringValue())
	}
	s.Visited = v.GetByKey("visited").BoolValue()
	if st := v.GetByKey("status"); st.Type() == ldvalue.StringType {
		s.Status = st.StringValue()
	}
	return s, nil
}

func hasKey(v ldvalue.Value, key string) bool {
	for _, k := range v.Keys() {
		if k == key {
			return true
		}
	}
	return false
}

func requiredInt(v ldvalue.Value, key string) (int, error) {
	if !hasKey(v, key) {
		return 0, fmt.Errorf("missing %q", key)
	}
	f := v.GetByKey(key)
	if f.Type() != ldvalue.NumberType || f.Float64Value() != math.Trunc(f.Float64Value()) {
		return 0, fmt.Errorf("%q is not an integer", key)
	}
	return f.IntValue(), nil
}

func optionalInt(v ldvalue.Value, key string) (ldvalue.OptionalInt, error) {
	if f := v.GetByKey(key); f.IsNull() {
		return ldvalue.OptionalInt{}, nil
	}
	n, err := requiredInt(v, key)
	if err != nil {
		return ldvalue.OptionalInt{}, err
	}
	return ldvalue.NewOptionalInt(n), nil
}

func stringList(v ldvalue.Value, key string, required bool) ([]string, error) {
	f := v.GetByKey(key)
	if f.IsNull() {
		if required && !hasKey(v, key) {
			return nil, fmt.Errorf("missing %q", key)
		}
		return nil, nil
	}
	if f.Type() != ldvalue.ArrayType {
		return nil, fmt.Errorf("%q is not an array", key)
	}
	out := make([]string, 0, f.Count())
	for i := 0; i < f.Count(); i++ {
		e := f.GetByIndex(i)
		if e.Type() != ldvalue.StringType {
			return nil, fmt.Errorf("%q[%d] is not a string", key, i)
		}
		out = append(out, e.StringValue())
	}
	return out, nil
}
