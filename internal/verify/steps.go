// Package verify holds the verification steps for the server inventory API:
// read the stats, list servers, mark one visited and confirm the mark.
package verify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/loykin/svcprobe/internal/pipeline"
	"github.com/loykin/svcprobe/internal/probe"
)

// Context keys published by the steps.
const (
	KeyStats   = "stats"
	KeyServers = "servers"
	KeyTarget  = "target"
	KeyMarked  = "marked"
)

const (
	StepStats   = "stats"
	StepList    = "list-servers"
	StepMark    = "mark-visited"
	StepConfirm = "confirm-visited"
)

type Options struct {
	BaseURL             string
	ListLimit           int
	ConfirmLimit        int
	VisitNotes          string
	VisitRating         int
	MarkVisitedRequired bool
	ConfirmRequired     bool
}

func DefaultOptions(baseURL string) Options {
	return Options{
		BaseURL:             baseURL,
		ListLimit:           5,
		ConfirmLimit:        100,
		VisitNotes:          "svcprobe verification run",
		VisitRating:         4,
		MarkVisitedRequired: true,
	}
}

// VisitRequest is the body of POST /api/servers/{address}/{port}/visit.
type VisitRequest struct {
	Notes  string `json:"notes"`
	Rating int    `json:"rating"`
}

// Steps returns the chain stats -> list-servers -> mark-visited -> confirm-visited.
func Steps(p *probe.Prober, o Options) []pipeline.Step {
	c := checker{p: p, o: o}
	return []pipeline.Step{
		{Name: StepStats, Required: true, Produces: []string{KeyStats}, Run: c.stats},
		{Name: StepList, Required: true, Produces: []string{KeyServers, KeyTarget}, Run: c.list},
		{Name: StepMark, Required: o.MarkVisitedRequired, Needs: []string{KeyTarget}, Produces: []string{KeyMarked}, Run: c.mark},
		{Name: StepConfirm, Required: o.ConfirmRequired, Needs: []string{KeyTarget}, Run: c.confirm},
	}
}

type checker struct {
	p *probe.Prober
	o Options
}

// expectJSON fails unless res is a decodable response with the wanted status.
func expectJSON(res probe.Result, want int) (pipeline.Verdict, bool) {
	switch {
	case !res.Answered():
		return pipeline.Fail("%s %s: %v", res.Method, res.URL, res.TransportErr).With(res), false
	case res.Status != want:
		return pipeline.Fail("%s %s returned %d, want %d", res.Method, res.URL, res.Status, want).With(res), false
	case res.DecodeErr != nil:
		return pipeline.Fail("%s %s: invalid JSON: %v", res.Method, res.URL, res.DecodeErr).With(res), false
	}
	return pipeline.Verdict{}, true
}

func (c checker) stats(ctx context.Context, _ *pipeline.Context) pipeline.Verdict {
	res := c.p.Get(ctx, StepStats, probe.JoinURL(c.o.BaseURL, nil, "api/stats"))
	if v, ok := expectJSON(res, http.StatusOK); !ok {
		return v
	}
	st, err := ParseStats(res.Payload)
	if err != nil {
		return pipeline.Fail("stats payload: %v", err).With(res)
	}
	if err := st.CheckInvariant(); err != nil {
		return pipeline.Fail("stats invariant: %v", err).With(res)
	}
	return pipeline.Pass(fmt.Sprintf("%d servers, %d visited, %d unvisited, %d software types",
		st.TotalServers, st.VisitedServers, st.UnvisitedServers, len(st.UniqueSoftwareTypes))).
		With(res).Output(KeyStats, st)
}

func (c checker) list(ctx context.Context, _ *pipeline.Context) pipeline.Verdict {
	q := url.Values{"limit": {strconv.Itoa(c.o.ListLimit)}}
	res := c.p.Get(ctx, StepList, probe.JoinURL(c.o.BaseURL, q, "api/servers"))
	if v, ok := expectJSON(res, http.StatusOK); !ok {
		return v
	}
	servers, err := ParseServers(res.Payload)
	if err != nil {
		return pipeline.Fail("servers payload: %v", err).With(res)
	}
	if c.o.ListLimit > 0 && len(servers) > c.o.ListLimit {
		return pipeline.Fail("listed %d servers with limit %d", len(servers), c.o.ListLimit).With(res)
	}
	v := pipeline.Pass(fmt.Sprintf("%d servers listed", len(servers))).With(res).Output(KeyServers, servers)
	if target, ok := pickTarget(servers); ok {
		v.Summary += "; target " + target.String()
		v = v.Output(KeyTarget, target)
	}
	return v
}

// pickTarget prefers a server that is not visited yet so the mark is observable.
func pickTarget(servers []Server) (Server, bool) {
	if len(servers) == 0 {
		return Server{}, false
	}
	for _, s := range servers {
		if !s.IsVisited() {
			return s, true
		}
	}
	return servers[0], true
}

func (c checker) mark(ctx context.Context, sc *pipeline.Context) pipeline.Verdict {
	target, ok := pipeline.Value[Server](sc, KeyTarget)
	if !ok {
		return pipeline.Fail("context value %q has unexpected type", KeyTarget)
	}
	u := probe.JoinURL(c.o.BaseURL, nil, "api/servers", target.Address, strconv.Itoa(target.Port), "visit")
	res := c.p.Post(ctx, StepMark, u, VisitRequest{Notes: c.o.VisitNotes, Rating: c.o.VisitRating})
	if !res.Answered() {
		return pipeline.Fail("POST %s: %v", u, res.TransportErr).With(res)
	}
	if !res.OK() {
		return pipeline.Fail("POST %s returned %d", u, res.Status).With(res)
	}
	summary := "marked " + target.String() + " visited"
	if target.IsVisited() {
		summary += " (already visited, re-marked)"
	}
	return pipeline.Pass(summary).With(res).Output(KeyMarked, target.ServerKey)
}

// confirm re-lists visited servers and looks for the target. It depends on the
// target rather than on a successful mark so that it still runs, and reports,
// when an optional mark-visited step failed.
func (c checker) confirm(ctx context.Context, sc *pipeline.Context) pipeline.Verdict {
	target, ok := pipeline.Value[Server](sc, KeyTarget)
	if !ok {
		return pipeline.Fail("context value %q has unexpected type", KeyTarget)
	}
	marked := target.ServerKey
	q := url.Values{
		"visited": {"true"},
		"status":  {"visited"},
		"limit":   {strconv.Itoa(c.o.ConfirmLimit)},
	}
	res := c.p.Get(ctx, StepConfirm, probe.JoinURL(c.o.BaseURL, q, "api/servers"))
	if v, ok := expectJSON(res, http.StatusOK); !ok {
		return v
	}
	servers, err := ParseServers(res.Payload)
	if err != nil {
		return pipeline.Fail("servers payload: %v", err).With(res)
	}
	for _, s := range servers {
		if s.ServerKey == marked {
			if !s.IsVisited() {
				return pipeline.Fail("%s listed but not flagged visited", marked).With(res)
			}
			return pipeline.Pass(marked.String() + " confirmed visited").With(res)
		}
	}
	return pipeline.Fail("%s not among %d visited servers", marked, len(servers)).With(res)
}
