package svcprobe

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	cfg "github.com/loykin/svcprobe/internal/config"
	"github.com/loykin/svcprobe/internal/pipeline"
	"github.com/loykin/svcprobe/internal/report"
	"github.com/loykin/svcprobe/internal/store/sqlite"
	"github.com/loykin/svcprobe/internal/stubservice"
)

func startStub(t *testing.T, n int) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if err := stubservice.Seed(ctx, st, n, 1); err != nil {
		t.Fatalf("seed: %v", err)
	}
	srv := httptest.NewServer(stubservice.NewRouter(st, "", nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func externalConfig(t *testing.T, baseURL string, kv ...any) *Config {
	t.Helper()
	v := cfg.NewViper()
	v.Set("service.external", true)
	v.Set("probe.base_url", baseURL)
	for i := 0; i+1 < len(kv); i += 2 {
		v.Set(kv[i].(string), kv[i+1])
	}
	c, err := cfg.Load(v, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return c
}

func TestRunExternalService(t *testing.T) {
	srv := startStub(t, 10)
	var console bytes.Buffer
	out, err := Run(context.Background(), externalConfig(t, srv.URL), RunOptions{Console: &console})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.OK() {
		t.Fatalf("expected success, got %+v\n%s", out, console.String())
	}
	if !strings.Contains(console.String(), "All required steps passed") {
		t.Fatalf("unexpected console output: %s", console.String())
	}
}

func TestRunSkipFilter(t *testing.T) {
	srv := startStub(t, 3)
	c := externalConfig(t, srv.URL, "steps.skip", []string{"^confirm"})
	var console bytes.Buffer
	out, err := Run(context.Background(), c, RunOptions{Console: &console})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.OK() || out.Count(pipeline.StatusSkipped) != 1 {
		t.Fatalf("unexpected outcome: %+v", out.Steps)
	}
	if !strings.Contains(console.String(), "skip any matching") {
		t.Fatalf("filter description missing: %s", console.String())
	}
}

func TestRunFilterSelectsNothing(t *testing.T) {
	srv := startStub(t, 3)
	c := externalConfig(t, srv.URL, "steps.run", []string{"^stast$"})
	out, err := Run(context.Background(), c, RunOptions{})
	if !errors.Is(err, ErrInvalidConfig) || !errors.Is(err, report.ErrNoneSelected) {
		t.Fatalf("expected ErrInvalidConfig for an empty selection, got %v", err)
	}
	if len(out.Steps) != 0 {
		t.Fatalf("nothing should have run: %+v", out)
	}
}

func TestRunMissingEnvFile(t *testing.T) {
	v := cfg.NewViper()
	v.Set("service.command", "true")
	v.Set("env_files", []string{"/nonexistent/svcprobe.env"})
	c, err := cfg.Load(v, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	_, err = Run(context.Background(), c, RunOptions{})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRunCustomSteps(t *testing.T) {
	srv := startStub(t, 1)
	steps := []Step{{
		Name:     "only",
		Required: true,
		Run: func(ctx context.Context, _ *StepContext) Verdict {
			return Pass("ok")
		},
	}}
	out, err := Run(context.Background(), externalConfig(t, srv.URL), RunOptions{Steps: steps})
	if err != nil || !out.OK() || len(out.Steps) != 1 {
		t.Fatalf("unexpected: err=%v out=%+v", err, out)
	}
}
