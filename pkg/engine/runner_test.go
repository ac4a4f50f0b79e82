package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bendavis78/quilt/pkg/config"
	"github.com/bendavis78/quilt/pkg/resource"
	"github.com/bendavis78/quilt/pkg/telemetry"
	"github.com/bendavis78/quilt/pkg/transports"
	"github.com/bendavis78/quilt/pkg/transports/transporttest"
)

const appManifest = `
directory("/srv/app", owner="deploy", group="deploy")
file("/srv/app/app.conf", content="x=" + setting("app", "x") + "\n", owner="deploy", group="deploy", mode=0o640)
`

// testConfig writes the manifest and a defaults file into a temp dir.
func testConfig(t *testing.T, manifest string, targets ...string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "quiltfile.star"), manifest)
	writeFile(t, filepath.Join(dir, "defaults.yaml"), "app:\n  x: \"1\"\n")

	cfg := config.Default()
	cfg.Dir = dir
	cfg.Manifest = filepath.Join(dir, "quiltfile.star")
	cfg.Defaults = []string{filepath.Join(dir, "defaults.yaml")}
	cfg.Timeout = 5 * time.Second
	if len(targets) == 0 {
		targets = []string{"web1"}
	}
	for _, name := range targets {
		cfg.Targets = append(cfg.Targets, config.Target{Name: name, Transport: config.TransportLocal})
	}
	return cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newFakeHost() *transporttest.Host {
	host := transporttest.New()
	host.AddDir("/srv", 0o755, 1000, 1000)
	return host
}

// fakeDialer hands out one fake host per target name.
func fakeDialer(hosts map[string]*transporttest.Host) Dialer {
	return func(_ context.Context, target config.Target) (transports.Host, error) {
		h, ok := hosts[target.Name]
		if !ok {
			return nil, &transports.Error{Op: "connect", Err: errors.New("no route to host")}
		}
		return h, nil
	}
}

func newRunner(t *testing.T, cfg *config.Config, dial Dialer, opts ...Option) *Runner {
	t.Helper()
	r, err := New(context.Background(), cfg, append([]Option{WithDialer(dial)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestApplyEnsureIsIdempotent(t *testing.T) {
	host := newFakeHost()
	cfg := testConfig(t, appManifest)
	r := newRunner(t, cfg, fakeDialer(map[string]*transporttest.Host{"web1": host}))

	reports, err := r.Apply(context.Background(), ModeEnsure)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("got %d reports", len(reports))
	}
	rep := reports[0]
	if rep.Status != RunStatusSucceeded || rep.Target != "web1" || rep.RunID == "" {
		t.Errorf("report = %+v", rep)
	}
	if rep.Resources != 2 || rep.Converged != 2 {
		t.Errorf("resources = %d, converged = %d", rep.Resources, rep.Converged)
	}
	if !rep.Changed() {
		t.Error("first run reported no changes")
	}
	n, ok := host.Node("/srv/app/app.conf")
	if !ok || string(n.Content) != "x=1\n" || n.Mode != 0o640 {
		t.Fatalf("app.conf = %+v, %v", n, ok)
	}

	host.Reset()
	reports, err = r.Apply(context.Background(), ModeEnsure)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if reports[0].Changed() {
		t.Errorf("second run changes = %+v", reports[0].Changes)
	}
	if m := host.Mutations(); len(m) != 0 {
		t.Errorf("second run mutations = %v", m)
	}
	if reports[0].RunID == rep.RunID {
		t.Error("run ids are reused")
	}
}

func TestApplyDryRun(t *testing.T) {
	host := newFakeHost()
	cfg := testConfig(t, appManifest)
	cfg.DryRun = true
	r := newRunner(t, cfg, fakeDialer(map[string]*transporttest.Host{"web1": host}))

	reports, err := r.Apply(context.Background(), ModeEnsure)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if m := host.Mutations(); len(m) != 0 {
		t.Errorf("dry run mutated the target: %v", m)
	}
	rep := reports[0]
	if !rep.DryRun || !rep.Changed() {
		t.Fatalf("report = %+v", rep)
	}
	for _, c := range rep.Changes {
		if !c.DryRun {
			t.Errorf("change %+v not marked dry run", c)
		}
	}
}

func TestApplyRemoveReversesOrder(t *testing.T) {
	host := newFakeHost()
	cfg := testConfig(t, appManifest)
	r := newRunner(t, cfg, fakeDialer(map[string]*transporttest.Host{"web1": host}))

	if _, err := r.Apply(context.Background(), ModeEnsure); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	reports, err := r.Apply(context.Background(), ModeRemove)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := host.Node("/srv/app"); ok {
		t.Error("/srv/app still exists")
	}

	var got []string
	for _, c := range reports[0].Changes {
		got = append(got, c.Resource.String())
	}
	want := "fs.file[/srv/app/app.conf] fs.directory[/srv/app]"
	if strings.Join(got, " ") != want {
		t.Errorf("removal order = %q, want %q", got, want)
	}
}

func TestApplyValidateDoesNotConverge(t *testing.T) {
	host := newFakeHost()
	cfg := testConfig(t, appManifest)
	r := newRunner(t, cfg, fakeDialer(map[string]*transporttest.Host{"web1": host}))

	reports, err := r.Apply(context.Background(), ModeValidate)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if reports[0].Converged != 0 || reports[0].Changed() || len(host.Mutations()) != 0 {
		t.Errorf("validate converged: %+v", reports[0])
	}
	if reports[0].Resources != 2 {
		t.Errorf("resources = %d", reports[0].Resources)
	}
}

func TestApplyPhaseErrors(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		phase    string
		check    func(error) bool
	}{
		{
			name:     "policy violation",
			manifest: `file("/srv/open", content="", owner="deploy", group="deploy", mode=0o666)`,
			phase:    "policy",
			check:    resource.IsConfiguration,
		},
		{
			name:     "syntax error",
			manifest: `file("/srv/a"`,
			phase:    "evaluate",
		},
		{
			name:     "type mismatch",
			manifest: `symlink("/srv", target="/opt")`,
			phase:    "ensure",
			check:    resource.IsTypeMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newFakeHost()
			cfg := testConfig(t, tt.manifest)
			r := newRunner(t, cfg, fakeDialer(map[string]*transporttest.Host{"web1": host}))

			reports, err := r.Apply(context.Background(), ModeEnsure)
			var perr *PhaseError
			if !errors.As(err, &perr) {
				t.Fatalf("err = %v, want PhaseError", err)
			}
			if perr.Phase != tt.phase || perr.Target != "web1" {
				t.Errorf("phase = %s, target = %s", perr.Phase, perr.Target)
			}
			if tt.check != nil && !tt.check(err) {
				t.Errorf("unexpected error kind: %v", err)
			}
			if reports[0].Status != RunStatusFailed || reports[0].Err == nil {
				t.Errorf("report = %+v", reports[0])
			}
			if m := host.Mutations(); len(m) != 0 {
				t.Errorf("failed run mutated the target: %v", m)
			}
		})
	}
}

func TestApplyFirstFailureCancelsOthers(t *testing.T) {
	hosts := map[string]*transporttest.Host{"web2": newFakeHost()}
	cfg := testConfig(t, appManifest, "web1", "web2")
	r := newRunner(t, cfg, fakeDialer(hosts))

	reports, err := r.Apply(context.Background(), ModeEnsure)
	var perr *PhaseError
	if !errors.As(err, &perr) || perr.Phase != "connect" || perr.Target != "web1" {
		t.Fatalf("err = %v", err)
	}
	if reports[0].Status != RunStatusFailed {
		t.Errorf("web1 status = %s", reports[0].Status)
	}
	if reports[1].Status != RunStatusCancelled {
		t.Errorf("web2 status = %s", reports[1].Status)
	}
	if m := hosts["web2"].Mutations(); len(m) != 0 {
		t.Errorf("cancelled target was mutated: %v", m)
	}

	s := Summarize(reports)
	if s.Targets != 2 || s.Failed != 1 || s.Cancelled != 1 || s.Succeeded != 0 {
		t.Errorf("summary = %+v", s)
	}
}

func TestApplyParallelTargets(t *testing.T) {
	hosts := map[string]*transporttest.Host{
		"web1": newFakeHost(),
		"web2": newFakeHost(),
		"web3": newFakeHost(),
	}
	cfg := testConfig(t, appManifest, "web1", "web2", "web3")
	cfg.Parallelism = 3
	r := newRunner(t, cfg, fakeDialer(hosts))

	reports, err := r.Apply(context.Background(), ModeEnsure)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for i, name := range []string{"web1", "web2", "web3"} {
		if reports[i].Target != name || reports[i].Status != RunStatusSucceeded {
			t.Errorf("report %d = %+v", i, reports[i])
		}
		if _, ok := hosts[name].Node("/srv/app/app.conf"); !ok {
			t.Errorf("%s not converged", name)
		}
	}
}

func TestDialRetriesTemporaryErrors(t *testing.T) {
	old := backoffBase
	backoffBase = time.Millisecond
	defer func() { backoffBase = old }()

	host := newFakeHost()
	var attempts atomic.Int32
	dial := func(_ context.Context, target config.Target) (transports.Host, error) {
		if attempts.Add(1) < 3 {
			return nil, &transports.Error{Op: "connect", Err: errors.New("connection reset"), Temporary: true}
		}
		return host, nil
	}

	got, err := dialWithRetry(context.Background(), dial, config.Target{Name: "web1"}, zerolog.Nop())
	if err != nil || got != host {
		t.Fatalf("dialWithRetry = %v, %v", got, err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d", attempts.Load())
	}

	attempts.Store(-10)
	if _, err := dialWithRetry(context.Background(), dial, config.Target{Name: "web1"}, zerolog.Nop()); !transports.IsTemporary(err) {
		t.Errorf("err = %v, want temporary error after %d attempts", err, maxDialAttempts)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1125 * time.Millisecond},
		{1, 2250 * time.Millisecond},
		{10, time.Minute + time.Minute/8},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestApplyRecordsMetrics(t *testing.T) {
	textfile := filepath.Join(t.TempDir(), "quilt.prom")
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "quilt", Textfile: textfile})
	if err != nil {
		t.Fatal(err)
	}
	tel := telemetry.Nop()
	tel.Metrics = metrics

	host := newFakeHost()
	cfg := testConfig(t, appManifest)
	r := newRunner(t, cfg, fakeDialer(map[string]*transporttest.Host{"web1": host}), WithTelemetry(tel))
	if _, err := r.Apply(context.Background(), ModeEnsure); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := metrics.WriteTextfile(""); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(textfile)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`quilt_runs_total{result="ok",target="web1"} 1`,
		`quilt_resources_converged_total{result="ok",type="fs.file"} 1`,
		`quilt_resources_converged_total{result="ok",type="fs.directory"} 1`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("metrics missing %q:\n%s", want, data)
		}
	}
}

func TestReportJSON(t *testing.T) {
	rep := Report{
		RunID:  "r1",
		Target: "web1",
		Mode:   ModeEnsure,
		Status: RunStatusFailed,
		Err: &PhaseError{Target: "web1", Phase: "ensure", Err: resource.NewTypeMismatchError("/srv is a directory").
			WithResource(resource.Key{Category: "fs", Type: "symlink", Name: "/srv"}, nil)},
	}
	data, err := json.Marshal(rep)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "failed" || out["target"] != "web1" {
		t.Errorf("json = %s", data)
	}
	if !strings.Contains(out["error"].(string), "/srv is a directory") {
		t.Errorf("error = %v", out["error"])
	}
	detail, ok := out["error_detail"].(map[string]any)
	if !ok || detail["kind"] != "type_mismatch" {
		t.Errorf("error_detail = %v", out["error_detail"])
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{resource.NewLookupError("no user", nil), "lookup"},
		{&PhaseError{Phase: "connect", Err: &transports.Error{Op: "connect", Err: errors.New("refused")}}, ErrorKindTransport},
		{context.Canceled, ErrorKindCancelled},
		{errors.New("boom"), ErrorKindInternal},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestModeAndStatusValidate(t *testing.T) {
	if err := Mode("destroy").Validate(); err == nil {
		t.Error("invalid mode accepted")
	}
	if !ModeRemove.IsMutating() || ModeValidate.IsMutating() {
		t.Error("IsMutating")
	}
	var s RunStatus
	if err := json.Unmarshal([]byte(`"partial"`), &s); err == nil {
		t.Error("invalid status accepted")
	}
	if err := json.Unmarshal([]byte(`"cancelled"`), &s); err != nil || !s.IsFailure() {
		t.Errorf("status = %s, %v", s, err)
	}
}
