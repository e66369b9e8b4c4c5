// Package stubservice is a small implementation of the server inventory API
// used as the service under test in end-to-end runs.
package stubservice

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/svcprobe/internal/store"
)

// Router serves the inventory API from a store.
// Endpoints:
//
//	GET  {basePath}/api/stats
//	GET  {basePath}/api/servers                        query: see parseFilter
//	POST {basePath}/api/servers/:address/:port/visit   body: Visit JSON (optional)
//	PUT  {basePath}/api/servers/:address/:port/visit   body: Visit JSON
//	GET  {basePath}/healthz
type Router struct {
	st       store.Store
	log      *slog.Logger
	basePath string
}

func NewRouter(st store.Store, basePath string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Router{st: st, log: log, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog)
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	api := group.Group("/api")
	api.GET("/stats", r.handleStats)
	api.GET("/servers", r.handleList)
	api.POST("/servers/:address/:port/visit", r.handleMark)
	api.PUT("/servers/:address/:port/visit", r.handleUpdate)
	return g
}

func (r *Router) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	r.log.Debug("request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"elapsed", time.Since(start))
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStats(c *gin.Context) {
	st, err := r.st.Stats(c.Request.Context())
	if err != nil {
		r.internal(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleList(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	servers, err := r.st.ListServers(c.Request.Context(), f)
	if errors.Is(err, store.ErrInvalidStatus) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if err != nil {
		r.internal(c, err)
		return
	}
	writeJSON(c, http.StatusOK, servers)
}

func (r *Router) handleMark(c *gin.Context) {
	k, v, ok := r.visitRequest(c, true)
	if !ok {
		return
	}
	r.writeVisitResult(c, k, r.st.MarkVisit(c.Request.Context(), k, v))
}

func (r *Router) handleUpdate(c *gin.Context) {
	k, v, ok := r.visitRequest(c, false)
	if !ok {
		return
	}
	r.writeVisitResult(c, k, r.st.UpdateVisit(c.Request.Context(), k, v))
}

// visitRequest parses the path key and the JSON body. An empty body is only
// accepted when optionalBody is set.
func (r *Router) visitRequest(c *gin.Context, optionalBody bool) (store.Key, store.Visit, bool) {
	k, err := parseKey(c.Param("address"), c.Param("port"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return store.Key{}, store.Visit{}, false
	}
	var v store.Visit
	if err := c.ShouldBindJSON(&v); err != nil && !(optionalBody && errors.Is(err, io.EOF)) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return store.Key{}, store.Visit{}, false
	}
	v.Status = store.VisitStatus(strings.ToLower(strings.TrimSpace(string(v.Status))))
	return k, v, true
}

func (r *Router) writeVisitResult(c *gin.Context, k store.Key, err error) {
	switch {
	case err == nil:
		r.log.Info("visit recorded", "server", k.Address, "port", k.Port, "method", c.Request.Method)
		writeJSON(c, http.StatusOK, okResp{OK: true})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, store.ErrInvalidStatus):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
	default:
		r.internal(c, err)
	}
}

func (r *Router) internal(c *gin.Context, err error) {
	r.log.Error("store failure", "path", c.Request.URL.Path, "error", err)
	writeJSON(c, http.StatusInternalServerError, errorResp{Error: "internal error"})
}
