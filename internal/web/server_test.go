package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/led-fixture/internal/hw"
	"github.com/sweeney/led-fixture/internal/protocol"
	"github.com/sweeney/led-fixture/internal/status"
)

func newTestServer(t *testing.T) (*httptest.Server, *status.Tracker) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		TickMs:      10,
		HeartbeatMs: 5000,
		Device:      "/dev/rfcomm0",
		Broker:      "tcp://192.168.1.200:1883",
		HTTPAddr:    ":8080",
	}
	tr := status.NewTracker(start, cfg)
	srv := New(":0", tr)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, tr
}

func runningUpdate(tr *status.Tracker) {
	red := make([]bool, hw.PairCount)
	green := make([]bool, hw.PairCount)
	red[4] = true
	tr.Update("SEQUENCE_RUNNING", 13, 4, "red", red, green, true, true,
		protocol.Statistics{TotalSent: 9, TotalAcked: 8, AverageResponseMs: 55.5})
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	runningUpdate(tr)
	tr.SetMQTTConnected(true)

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}

	if sj.Status.Sequence != "SEQUENCE_RUNNING" {
		t.Errorf("sequence: got %q", sj.Status.Sequence)
	}
	if sj.Status.Progress != 13 || sj.Status.CurrentPair != 4 {
		t.Errorf("sequence fields: %+v", sj.Status)
	}
	if !sj.Status.Link.Connected || !sj.Status.Link.Active {
		t.Errorf("link: %+v", sj.Status.Link)
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected mqtt connected")
	}
	if sj.Status.Stats.Sent != 9 || sj.Status.Stats.AvgResponseMs != 55.5 {
		t.Errorf("protocol_stats: %+v", sj.Status.Stats)
	}
	if sj.Status.Config.Device != "/dev/rfcomm0" {
		t.Errorf("config device: got %q", sj.Status.Config.Device)
	}
}

func TestBoardEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	runningUpdate(tr)

	resp, err := http.Get(ts.URL + "/board.json")
	if err != nil {
		t.Fatalf("GET /board.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}

	var board struct {
		Red          []bool `json:"red"`
		Green        []bool `json:"green"`
		CurrentPair  int    `json:"current_pair"`
		CurrentColor string `json:"current_color"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&board); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if len(board.Red) != hw.PairCount || len(board.Green) != hw.PairCount {
		t.Fatalf("board size: %d red, %d green", len(board.Red), len(board.Green))
	}
	if !board.Red[4] || board.Green[4] {
		t.Errorf("expected pair 4 red lit, got red=%v green=%v", board.Red[4], board.Green[4])
	}
	if board.CurrentPair != 4 || board.CurrentColor != "red" {
		t.Errorf("current channel: pair %d color %q", board.CurrentPair, board.CurrentColor)
	}
}

func TestBoardEndpointIdle(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/board.json")
	if err != nil {
		t.Fatalf("GET /board.json: %v", err)
	}
	defer resp.Body.Close()

	var board struct {
		Red         []bool `json:"red"`
		Green       []bool `json:"green"`
		CurrentPair int    `json:"current_pair"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&board); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	// Before the first tracker update the board is empty, never null.
	if board.Red == nil || board.Green == nil {
		t.Error("board arrays should be present even before the first update")
	}
	if board.CurrentPair != -1 {
		t.Errorf("idle current_pair: got %d, want -1", board.CurrentPair)
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	ts, tr := newTestServer(t)
	runningUpdate(tr)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}

	body, _ := io.ReadAll(resp.Body)
	html := string(body)
	if !strings.Contains(html, "SEQUENCE_RUNNING") {
		t.Error("page should show the sequence state")
	}
	if !strings.Contains(html, "13%") {
		t.Error("page should show the progress")
	}
	if !strings.Contains(html, `class="pair red"`) {
		t.Error("page should render the lit pair red")
	}
	if !strings.Contains(html, "/index.json") {
		t.Error("page should link the JSON endpoint")
	}
}

func TestHTMLEndpointIndexHTML(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/index.html")
	if err != nil {
		t.Fatalf("GET /index.html: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	ts, tr := newTestServer(t)

	get := func() status.StatusJSON {
		resp, err := http.Get(ts.URL + "/index.json")
		if err != nil {
			t.Fatalf("GET /index.json: %v", err)
		}
		defer resp.Body.Close()
		var sj status.StatusJSON
		if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
			t.Fatalf("decode JSON: %v", err)
		}
		return sj
	}

	if got := get().Status.Sequence; got != "IDLE" {
		t.Errorf("before update: got %q, want IDLE", got)
	}

	runningUpdate(tr)
	if got := get().Status.Sequence; got != "SEQUENCE_RUNNING" {
		t.Errorf("after update: got %q, want SEQUENCE_RUNNING", got)
	}
}

func TestUptimeFormatting(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m 0s"},
		{90 * time.Minute, "1h 30m 0s"},
		{49 * time.Hour, "2d 1h 0m 0s"},
	}
	for _, c := range cases {
		var sb strings.Builder
		snap := status.Snapshot{
			StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		snap.Now = snap.StartTime.Add(c.d)
		renderHTML(&sb, snap)
		if !strings.Contains(sb.String(), ">"+c.want+"<") {
			t.Errorf("uptime %v: page should contain %q", c.d, c.want)
		}
	}
}
