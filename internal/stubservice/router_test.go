package stubservice

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcprobe/internal/pipeline"
	"github.com/loykin/svcprobe/internal/probe"
	"github.com/loykin/svcprobe/internal/store"
	"github.com/loykin/svcprobe/internal/store/sqlite"
	tlsconf "github.com/loykin/svcprobe/internal/tls"
	"github.com/loykin/svcprobe/internal/verify"
)

func newStore(t *testing.T, n int) store.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	require.NoError(t, st.EnsureSchema(ctx))
	require.NoError(t, Seed(ctx, st, n, 7))
	return st
}

func setupRouter(t *testing.T, n int, base string) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(newStore(t, n), base, nil).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestStats(t *testing.T) {
	h := setupRouter(t, 12, "")
	rec := doReq(t, h, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[store.Stats](t, rec)
	assert.EqualValues(t, 12, st.TotalServers)
	assert.EqualValues(t, 12, st.UnvisitedServers)
	assert.NotEmpty(t, st.UniqueSoftwareTypes)
	assert.NotContains(t, st.UniqueCountries, "Unknown")
}

func TestStatsEmptyInventory(t *testing.T) {
	h := setupRouter(t, 0, "")
	rec := doReq(t, h, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	// empty lists encode as [] so clients can rely on the field type
	assert.Contains(t, rec.Body.String(), `"unique_software_types":[]`)
}

func TestListLimitAndDefaults(t *testing.T) {
	h := setupRouter(t, 150, "")
	rec := doReq(t, h, http.MethodGet, "/api/servers?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.Server](t, rec), 5)

	rec = doReq(t, h, http.MethodGet, "/api/servers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.Server](t, rec), store.DefaultLimit)

	rec = doReq(t, h, http.MethodGet, "/api/servers?limit=5000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.Server](t, rec), 150)
}

func TestListBadParams(t *testing.T) {
	h := setupRouter(t, 3, "")
	for _, q := range []string{
		"limit=abc",
		"offset=x",
		"visited=maybe",
		"status=lost",
		"sort_order=sideways",
		"min_players=many",
	} {
		rec := doReq(t, h, http.MethodGet, "/api/servers?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestMarkVisitedRoundTrip(t *testing.T) {
	h := setupRouter(t, 4, "/inv")
	rec := doReq(t, h, http.MethodGet, "/inv/api/servers?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]store.Server](t, rec)
	require.Len(t, rows, 1)
	target := rows[0]
	require.False(t, target.Visited)

	path := "/inv/api/servers/" + target.Address + "/" + strconv.Itoa(target.Port) + "/visit"
	rec = doReq(t, h, http.MethodPost, path, map[string]any{"notes": "looked", "rating": 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/inv/api/servers?visited=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	visited := decode[[]store.Server](t, rec)
	require.Len(t, visited, 1)
	assert.Equal(t, target.Key(), visited[0].Key())
	assert.Equal(t, store.StatusVisited, visited[0].Status)
	require.NotNil(t, visited[0].Rating)
	assert.Equal(t, 4, *visited[0].Rating)

	rec = doReq(t, h, http.MethodGet, "/inv/api/stats", nil)
	st := decode[store.Stats](t, rec)
	assert.EqualValues(t, 1, st.VisitedServers)
	assert.EqualValues(t, 3, st.UnvisitedServers)

	// PUT changes the status of the existing visit
	rec = doReq(t, h, http.MethodPut, path, map[string]any{"status": "Skipped", "notes": "later"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/inv/api/servers?status=skipped", nil)
	assert.Len(t, decode[[]store.Server](t, rec), 1)
}

func TestMarkVisitedEmptyBody(t *testing.T) {
	h := setupRouter(t, 2, "")
	rows := decode[[]store.Server](t, doReq(t, h, http.MethodGet, "/api/servers", nil))
	path := "/api/servers/" + rows[0].Address + "/" + strconv.Itoa(rows[0].Port) + "/visit"
	rec := doReq(t, h, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doReq(t, h, http.MethodPut, path, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVisitErrors(t *testing.T) {
	h := setupRouter(t, 2, "")
	cases := []struct {
		method, path string
		body         any
		code         int
	}{
		{http.MethodPost, "/api/servers/not-an-ip/25565/visit", map[string]any{}, http.StatusBadRequest},
		{http.MethodPost, "/api/servers/192.0.2.1/0/visit", map[string]any{}, http.StatusBadRequest},
		{http.MethodPost, "/api/servers/192.0.2.1/70000/visit", map[string]any{}, http.StatusBadRequest},
		{http.MethodPost, "/api/servers/192.0.2.1/25565/visit", map[string]any{}, http.StatusNotFound},
		{http.MethodPost, "/api/servers/192.0.2.1/25565/visit", map[string]any{"status": "not_visited"}, http.StatusBadRequest},
		{http.MethodPut, "/api/servers/192.0.2.1/25565/visit", map[string]any{"notes": "x"}, http.StatusNotFound},
	}
	for _, c := range cases {
		rec := doReq(t, h, c.method, c.path, c.body)
		assert.Equal(t, c.code, rec.Code, "%s %s: %s", c.method, c.path, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/servers/192.0.2.1/25565/visit", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := setupRouter(t, 0, "")
	rec := doReq(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestParseKeyCanonical(t *testing.T) {
	k, err := parseKey("::ffff:192.0.2.7", "25565")
	require.NoError(t, err)
	assert.Equal(t, store.Key{Address: "192.0.2.7", Port: 25565}, k)

	k, err = parseKey("2001:DB8::1", "19132")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", k.Address)
}

func TestSeedIsDeterministic(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, 20)
	require.NoError(t, Seed(ctx, st, 20, 7))
	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 20, stats.TotalServers)
}

// The verification steps run against the real service implementation.
func TestVerificationAgainstStub(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv, err := Listen("127.0.0.1:0", NewRouter(newStore(t, 25), "", nil).Handler(), nil)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	p := &probe.Prober{Timeout: 2 * time.Second}
	steps := verify.Steps(p, verify.DefaultOptions(srv.URL()))
	out := pipeline.Run(context.Background(), steps, pipeline.NewContext())
	for _, r := range out.Steps {
		t.Logf("%s: %s %s", r.Name, r.Status, r.Summary)
	}
	require.True(t, out.OK())
	assert.Equal(t, 4, out.Count(pipeline.StatusPassed))

	// a second run re-marks a different unvisited target and still passes
	out = pipeline.Run(context.Background(), steps, pipeline.NewContext())
	assert.True(t, out.OK())
}

func TestListenBusyPort(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", http.NotFoundHandler(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	_, err = Listen(srv.Addr(), http.NotFoundHandler(), nil)
	assert.Error(t, err)
}

func TestVerificationOverTLS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	srvTLS, err := tlsconf.SetupServer(tlsconf.ServerConfig{Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	srv, err := Listen("127.0.0.1:0", NewRouter(newStore(t, 5), "", nil).Handler(), srvTLS)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	require.Contains(t, srv.URL(), "https://")

	cliTLS, err := tlsconf.SetupClient(tlsconf.ClientConfig{CAFile: tlsconf.CAFile(dir)})
	require.NoError(t, err)
	p := &probe.Prober{
		Timeout: 2 * time.Second,
		Client:  &http.Client{Transport: &http.Transport{TLSClientConfig: cliTLS}},
	}
	out := pipeline.Run(context.Background(), verify.Steps(p, verify.DefaultOptions(srv.URL())), pipeline.NewContext())
	assert.True(t, out.OK())

	// without the CA the probe fails and the required stats step halts the run
	plain := &probe.Prober{Timeout: 2 * time.Second}
	out = pipeline.Run(context.Background(), verify.Steps(plain, verify.DefaultOptions(srv.URL())), pipeline.NewContext())
	assert.False(t, out.OK())
}
