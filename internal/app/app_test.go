package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"subgraph-lag-monitor/internal/config"
	"subgraph-lag-monitor/internal/history"
)

func testApp(t *testing.T, mutate func(*config.Config)) (*App, *bytes.Buffer) {
	t.Helper()
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{Interval: time.Hour},
		History: config.HistoryConfig{
			Backend:    "file",
			Path:       filepath.Join(t.TempDir(), "subgraphs_delay.json"),
			MaxEntries: 168,
		},
		Collector: config.CollectorConfig{Concurrency: 2, RPCTimeout: 2 * time.Second},
		Graph:     config.GraphConfig{RequestTimeout: 2 * time.Second},
		Export:    config.ExportConfig{MaxDataPoints: 168},
	}
	if mutate != nil {
		mutate(cfg)
	}
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Stdout = out
	return a, out
}

func seed(t *testing.T, a *App, doc history.Document) {
	t.Helper()
	if err := history.NewFileStore(a.Config.History.Path).Persist(context.Background(), doc); err != nil {
		t.Fatalf("seed history: %v", err)
	}
}

func load(t *testing.T, a *App) history.Document {
	t.Helper()
	doc, err := history.NewFileStore(a.Config.History.Path).Load(context.Background())
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	return doc
}

func chainServer(t *testing.T, head string, indexed int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/rpc":
			var req struct {
				ID json.RawMessage `json:"id"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": head})
		case "/graphql":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"_meta": map[string]any{"block": map[string]any{"number": indexed}}},
			})
		case "/broken":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"indexer unavailable"}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestRunOnce(t *testing.T) {
	srv := chainServer(t, "0x64", 90)
	defer srv.Close()

	a, _ := testApp(t, func(cfg *config.Config) {
		cfg.Chains = map[string]config.ChainConfig{"mainnet": {RPCURL: srv.URL + "/rpc"}}
		cfg.Groups = []config.GroupConfig{
			{Name: "healthy", Chain: "mainnet", FallbackURL: srv.URL + "/graphql"},
			{Name: "down", Chain: "mainnet", FallbackURL: srv.URL + "/broken"},
		}
	})

	if err := a.Run(context.Background(), RunOptions{Once: true}); err != nil {
		t.Fatalf("Run once: %v", err)
	}

	doc := load(t, a)
	healthy := doc["healthy"]
	if len(healthy.Fallback) != 1 || healthy.Fallback[0].Delay.String() != "10" {
		t.Fatalf("healthy fallback = %+v", healthy.Fallback)
	}
	if len(healthy.Gateway) != 0 {
		t.Fatalf("fallback-only group must not gain gateway entries: %+v", healthy.Gateway)
	}

	down := doc["down"]
	if len(down.Fallback) != 1 || !down.Fallback[0].Delay.IsError() {
		t.Fatalf("down fallback = %+v", down.Fallback)
	}
	if down.Fallback[0].Timestamp != healthy.Fallback[0].Timestamp {
		t.Fatal("groups of one tick must share a timestamp")
	}
}

func sampleHistory(now int64) history.Document {
	return history.Document{
		"vault": {
			Gateway: history.Series{
				{Timestamp: now - 7200, Delay: history.Ok(2)},
				{Timestamp: now - 3600, Delay: history.Ok(4)},
				{Timestamp: now, Delay: history.Failed("timeout")},
			},
			Indexers: map[string]history.Series{
				"0xstale": {{Timestamp: 1, Delay: history.Ok(9)}},
				"0xfresh": {{Timestamp: now - 3600, Delay: history.Ok(1)}, {Timestamp: now, Delay: history.Ok(0)}},
			},
		},
	}
}

func TestShow(t *testing.T) {
	a, out := testApp(t, nil)
	seed(t, a, sampleHistory(time.Now().Unix()))

	if err := a.Show(context.Background(), ShowOptions{}); err != nil {
		t.Fatalf("Show: %v", err)
	}
	text := out.String()
	for _, want := range []string{"Group", "vault", "gateway", "error: timeout", "3.00", "0xstale"} {
		if !strings.Contains(text, want) {
			t.Fatalf("show output missing %q:\n%s", want, text)
		}
	}

	if err := a.Show(context.Background(), ShowOptions{Group: "missing"}); err == nil {
		t.Fatal("unknown group should fail")
	}
}

func TestExport(t *testing.T) {
	a, _ := testApp(t, nil)
	now := time.Now().Unix()
	seed(t, a, sampleHistory(now))

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "lag.csv")
	pngPath := filepath.Join(dir, "out", "lag.png")
	if err := a.Export(context.Background(), ExportOptions{CSVPath: csvPath, PNGPath: pngPath}); err != nil {
		t.Fatalf("Export: %v", err)
	}

	file, err := os.Open(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(records[0], ",") != "group,series,target,timestamp,delay" {
		t.Fatalf("header = %v", records[0])
	}
	if len(records) != 1+3+1+2 {
		t.Fatalf("rows = %d", len(records))
	}
	if records[3][4] != "error: timeout" {
		t.Fatalf("error row = %v", records[3])
	}

	if info, err := os.Stat(pngPath); err != nil || info.Size() == 0 {
		t.Fatalf("png not written: %v", err)
	}
}

func TestExportWindowAndValidation(t *testing.T) {
	a, _ := testApp(t, nil)
	now := time.Now().Unix()
	seed(t, a, sampleHistory(now))

	if err := a.Export(context.Background(), ExportOptions{}); err == nil {
		t.Fatal("export without outputs should fail")
	}

	from := time.Unix(now-3600, 0)
	csvPath := filepath.Join(t.TempDir(), "window.csv")
	if err := a.Export(context.Background(), ExportOptions{CSVPath: csvPath, From: &from, MaxPoints: 1}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	// header + gateway(1) + 0xfresh(1); 0xstale is outside the window
	if len(lines) != 3 {
		t.Fatalf("window export:\n%s", data)
	}
}

func TestDownsampleSeries(t *testing.T) {
	series := make(history.Series, 10)
	for i := range series {
		series[i] = history.Entry{Timestamp: int64(i), Delay: history.Ok(uint64(i))}
	}
	got := downsampleSeries(series, 4)
	if len(got) != 4 || got[0].Timestamp != 0 || got[3].Timestamp != 9 {
		t.Fatalf("downsample = %+v", got)
	}
	if got := downsampleSeries(series, 20); len(got) != 10 {
		t.Fatalf("short series should be unchanged")
	}
}

func TestPngPathFor(t *testing.T) {
	if got := pngPathFor("out/lag.png", "vault", false); got != "out/lag.png" {
		t.Fatalf("single = %s", got)
	}
	if got := pngPathFor("out/lag.png", "vault/eth", true); got != "out/lag_vault_eth.png" {
		t.Fatalf("multi = %s", got)
	}
}

func TestPrune(t *testing.T) {
	a, out := testApp(t, nil)
	seed(t, a, sampleHistory(time.Now().Unix()))

	if err := a.Prune(context.Background(), PruneOptions{OlderThan: 24 * time.Hour, DryRun: true}); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if _, ok := load(t, a)["vault"].Indexers["0xstale"]; !ok {
		t.Fatal("dry run must not modify history")
	}

	if err := a.Prune(context.Background(), PruneOptions{OlderThan: 24 * time.Hour}); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	group := load(t, a)["vault"]
	if _, ok := group.Indexers["0xstale"]; ok {
		t.Fatal("stale indexer should be removed")
	}
	if _, ok := group.Indexers["0xfresh"]; !ok || len(group.Gateway) != 3 {
		t.Fatalf("fresh data must survive: %+v", group)
	}
	if !strings.Contains(out.String(), "stale indexer series: 1") {
		t.Fatalf("output = %s", out.String())
	}

	if err := a.Prune(context.Background(), PruneOptions{}); err == nil {
		t.Fatal("zero cutoff should fail")
	}
}

func TestSimulateAlert(t *testing.T) {
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		texts = append(texts, payload["text"])
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	a, out := testApp(t, func(cfg *config.Config) {
		cfg.Alerting = config.AlertingConfig{
			Enabled:  true,
			Telegram: config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "c", APIBase: srv.URL},
		}
		cfg.Groups = []config.GroupConfig{{Name: "vault", Chain: "mainnet", AlertThreshold: 50}}
	})

	if err := a.SimulateAlert(context.Background(), "vault", 80); err != nil {
		t.Fatalf("SimulateAlert: %v", err)
	}
	if len(texts) != 1 || !strings.Contains(texts[0], "80 blocks") {
		t.Fatalf("telegram texts = %v", texts)
	}

	if err := a.SimulateAlert(context.Background(), "vault", 10); err != nil {
		t.Fatalf("below threshold: %v", err)
	}
	if len(texts) != 1 || !strings.Contains(out.String(), "no alert sent") {
		t.Fatalf("below threshold should not notify: %v / %s", texts, out.String())
	}

	if err := a.SimulateAlert(context.Background(), "other", 80); err == nil {
		t.Fatal("unknown group should fail")
	}
}
