package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/race"
	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/si"
	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/store"
)

// stubReader satisfies si.Reader with a scripted readout queue.
type stubReader struct {
	queue     []*si.CardReadout
	status    si.Status
	observers []func(si.Status)
}

func (r *stubReader) Name() string      { return "stub" }
func (r *stubReader) Connect() error    { return nil }
func (r *stubReader) Close() error      { return nil }
func (r *stubReader) Status() si.Status { return r.status }
func (r *stubReader) OnStatus(fn func(si.Status)) {
	r.observers = append(r.observers, fn)
}

func (r *stubReader) ReadCard() (*si.CardReadout, error) {
	if len(r.queue) == 0 {
		return nil, nil
	}
	out := r.queue[0]
	r.queue = r.queue[1:]
	return out, nil
}

func newTestServer(t *testing.T) (*Server, *store.Store, *stubReader) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "race.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := DefaultConfig()
	cfg.Readlog.Enabled = false
	reader := &stubReader{status: si.Status{State: si.StateConnected}}
	srv := New(cfg, reader, st, fstest.MapFS{})
	return srv, st, reader
}

func siT(sec int) si.Time { return si.Time{}.AddSeconds(sec) }

func TestCategoryAPIRejectsBadSpecWithToken(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := `{"name": "M21", "raceType": "classic", "controlSpec": "31 99B 32"}`
	req := httptest.NewRequest("POST", "/api/categories", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.handleCategories(w, req)

	if w.Code != 400 {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if resp["token"] != "99B" {
		t.Fatalf("offending token = %q, want 99B", resp["token"])
	}
}

func TestCategoryAPIRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := `{"name": "M21", "raceType": "classic", "controlSpec": "31 32 33 99B"}`
	w := httptest.NewRecorder()
	srv.handleCategories(w, httptest.NewRequest("POST", "/api/categories", strings.NewReader(body)))
	if w.Code != 200 {
		t.Fatalf("POST status = %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	srv.handleCategories(w, httptest.NewRequest("GET", "/api/categories", nil))
	var cats []race.Category
	if err := json.Unmarshal(w.Body.Bytes(), &cats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(cats) != 1 || cats[0].Name != "M21" || len(cats[0].ControlPoints) != 4 {
		t.Fatalf("got %+v", cats)
	}
}

func TestProcessReadoutPipeline(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	cat := &race.Category{Name: "M21", RaceType: race.Classic, ControlSpec: "31 32 99B"}
	if err := st.SaveCategory(ctx, cat); err != nil {
		t.Fatalf("SaveCategory: %v", err)
	}
	comp := &race.Competitor{Name: "Ada", CardNumber: 8123456, CategoryID: cat.ID}
	if err := st.SaveCompetitor(ctx, comp); err != nil {
		t.Fatalf("SaveCompetitor: %v", err)
	}

	start, finish := siT(9*3600), siT(9*3600+1800)
	srv.processReadout(ctx, &si.CardReadout{
		Type:   si.Card9,
		Number: 8123456,
		Start:  &start,
		Finish: &finish,
		Punches: []si.PunchRaw{
			{Code: 31, Time: siT(9*3600 + 600)},
			{Code: 32, Time: siT(9*3600 + 1200)},
			{Code: 99, Time: siT(9*3600 + 1790)},
		},
	})

	ranked, err := st.RankedResults(ctx, cat.ID)
	if err != nil {
		t.Fatalf("RankedResults: %v", err)
	}
	if len(ranked) != 1 {
		t.Fatalf("got %d results, want 1", len(ranked))
	}
	res := ranked[0].Result
	if res.Points != 3 || res.Status != race.StatusOK {
		t.Fatalf("points=%d status=%s, want 3/ok", res.Points, res.Status)
	}
	if res.RunTime.Seconds() != 1800 {
		t.Fatalf("run time = %v", res.RunTime)
	}
}

func TestProcessReadoutAnchorsLegacyCardTimes(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	cat := &race.Category{Name: "M21", RaceType: race.Classic, ControlSpec: "31 32 99B"}
	if err := st.SaveCategory(ctx, cat); err != nil {
		t.Fatalf("SaveCategory: %v", err)
	}
	comp := &race.Competitor{Name: "Ada", CardNumber: 54321, CategoryID: cat.ID}
	if err := st.SaveCompetitor(ctx, comp); err != nil {
		t.Fatalf("SaveCompetitor: %v", err)
	}

	// Race anchored at 09:00. The card stores bare 12-hour times: a
	// 10:30 start reads the same as a 22:30 one, and a punch at "00:10"
	// actually happened at 12:10.
	srv.cfg.Race.Start = "09:00:00"
	start := si.Time{SecondOfDay: 10*3600 + 1800}
	finish := si.Time{SecondOfDay: 10 * 60}
	srv.processReadout(ctx, &si.CardReadout{
		Type:   si.Card5,
		Number: 54321,
		Start:  &start,
		Finish: &finish,
		Punches: []si.PunchRaw{
			{Code: 31, Time: si.Time{SecondOfDay: 11 * 3600}},
			{Code: 32, Time: si.Time{SecondOfDay: 11*3600 + 1800}},
			{Code: 99, Time: si.Time{SecondOfDay: 5 * 60}},
		},
	})

	ranked, err := st.RankedResults(ctx, cat.ID)
	if err != nil {
		t.Fatalf("RankedResults: %v", err)
	}
	if len(ranked) != 1 {
		t.Fatalf("got %d results, want 1", len(ranked))
	}
	res := ranked[0].Result
	// 10:30:00 -> 12:10:00 is 1h40m.
	if res.RunTime != 100*time.Minute {
		t.Fatalf("run time = %v, want 1h40m", res.RunTime)
	}
	if res.Status != race.StatusOK || res.Points != 3 {
		t.Fatalf("points=%d status=%s", res.Points, res.Status)
	}
}

func TestUnknownCardIsBroadcastNotSaved(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	srv.processReadout(ctx, &si.CardReadout{Type: si.Card9, Number: 777})

	ranked, err := st.RankedResults(ctx, 0)
	if err != nil {
		t.Fatalf("RankedResults: %v", err)
	}
	if len(ranked) != 0 {
		t.Fatalf("unregistered card produced %d results", len(ranked))
	}
}

func TestManualStatusEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	cat := &race.Category{Name: "M21", RaceType: race.Classic, ControlSpec: "31 32 99B"}
	if err := st.SaveCategory(ctx, cat); err != nil {
		t.Fatal(err)
	}
	comp := &race.Competitor{Name: "Ada", CardNumber: 1, CategoryID: cat.ID}
	if err := st.SaveCompetitor(ctx, comp); err != nil {
		t.Fatal(err)
	}
	res := &race.Result{CompetitorID: comp.ID, CardNumber: 1, Status: race.StatusOK, AutomaticStatus: true}
	if err := st.SaveResult(ctx, res, nil); err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(map[string]any{"resultId": res.ID, "status": "disqualified"})
	w := httptest.NewRecorder()
	srv.handleResultStatus(w, httptest.NewRequest("POST", "/api/results/status", bytes.NewReader(body)))
	if w.Code != 200 {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	got, _, err := st.Result(ctx, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != race.StatusDisqualified || got.AutomaticStatus {
		t.Fatalf("got %s auto=%v", got.Status, got.AutomaticStatus)
	}
}
