package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/race"
	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/si"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "race.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCategory(t *testing.T, s *Store, name, spec string, rt race.Type) *race.Category {
	t.Helper()
	c := &race.Category{Name: name, RaceType: rt, ControlSpec: spec}
	if err := s.SaveCategory(context.Background(), c); err != nil {
		t.Fatalf("SaveCategory(%s): %v", name, err)
	}
	return c
}

func seedCompetitor(t *testing.T, s *Store, name string, card uint32, categoryID int64) *race.Competitor {
	t.Helper()
	c := &race.Competitor{Name: name, CardNumber: card, CategoryID: categoryID}
	if err := s.SaveCompetitor(context.Background(), c); err != nil {
		t.Fatalf("SaveCompetitor(%s): %v", name, err)
	}
	return c
}

func siTime(sec int) si.Time { return si.Time{}.AddSeconds(sec) }

func TestSaveCategoryRejectsBadSpec(t *testing.T) {
	s := openTestStore(t)
	c := &race.Category{Name: "M21", RaceType: race.Classic, ControlSpec: "31 99B 32"}
	if err := s.SaveCategory(context.Background(), c); err == nil {
		t.Fatal("expected validation error for beacon before last control")
	}
	cats, err := s.Categories(context.Background())
	if err != nil {
		t.Fatalf("Categories: %v", err)
	}
	if len(cats) != 0 {
		t.Fatalf("rejected category was persisted anyway: %+v", cats)
	}
}

func TestCategoryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	in := seedCategory(t, s, "M21", "31 32 33 99B", race.Classic)
	in.TimeLimit = 90 * time.Minute
	if err := s.SaveCategory(context.Background(), in); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Category(context.Background(), in.ID)
	if err != nil {
		t.Fatalf("Category: %v", err)
	}
	if got.Name != "M21" || got.RaceType != race.Classic {
		t.Fatalf("got %q/%q", got.Name, got.RaceType)
	}
	if got.TimeLimit != 90*time.Minute {
		t.Fatalf("time limit = %v", got.TimeLimit)
	}
	if len(got.ControlPoints) != 4 {
		t.Fatalf("control points = %d, want 4", len(got.ControlPoints))
	}
}

func TestCompetitorByCard(t *testing.T) {
	s := openTestStore(t)
	cat := seedCategory(t, s, "W21", "31 32 99B", race.Classic)
	drawn := siTime(9 * 3600)
	in := &race.Competitor{Name: "Ada", CardNumber: 8123456, CategoryID: cat.ID, DrawnStart: &drawn}
	if err := s.SaveCompetitor(context.Background(), in); err != nil {
		t.Fatalf("SaveCompetitor: %v", err)
	}

	got, err := s.CompetitorByCard(context.Background(), 8123456)
	if err != nil {
		t.Fatalf("CompetitorByCard: %v", err)
	}
	if got == nil || got.Name != "Ada" || got.CategoryID != cat.ID {
		t.Fatalf("got %+v", got)
	}
	if got.DrawnStart == nil || got.DrawnStart.TotalSeconds() != 9*3600 {
		t.Fatalf("drawn start = %+v", got.DrawnStart)
	}

	missing, err := s.CompetitorByCard(context.Background(), 999)
	if err != nil {
		t.Fatalf("CompetitorByCard(unknown): %v", err)
	}
	if missing != nil {
		t.Fatalf("unknown card resolved to %+v", missing)
	}
}

func TestSaveResultReplacesPunches(t *testing.T) {
	s := openTestStore(t)
	cat := seedCategory(t, s, "M21", "31 32 99B", race.Classic)
	comp := seedCompetitor(t, s, "Ada", 8123456, cat.ID)

	start, finish := siTime(9*3600), siTime(9*3600+1800)
	res := &race.Result{
		CompetitorID: comp.ID, CardNumber: comp.CardNumber,
		Points: 3, Status: race.StatusOK, AutomaticStatus: true,
		RunTime: 30 * time.Minute, StartTime: &start, FinishTime: &finish,
	}
	punches := []race.Punch{
		{Code: 31, Time: siTime(9*3600 + 600), Status: race.PunchValid, Split: 600 * time.Second},
		{Code: 32, Time: siTime(9*3600 + 1200), Status: race.PunchValid, Split: 600 * time.Second},
		{Code: 99, Time: siTime(9*3600 + 1790), Status: race.PunchValid, Split: 590 * time.Second},
	}
	if err := s.SaveResult(context.Background(), res, punches); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if res.ID == 0 {
		t.Fatal("result id not assigned")
	}

	// Second readout for the same competitor replaces the first wholesale.
	res2 := &race.Result{
		CompetitorID: comp.ID, CardNumber: comp.CardNumber,
		Points: 2, Status: race.StatusOK, AutomaticStatus: true,
		RunTime: 25 * time.Minute, StartTime: &start, FinishTime: &finish,
	}
	if err := s.SaveResult(context.Background(), res2, punches[:2]); err != nil {
		t.Fatalf("SaveResult(second): %v", err)
	}
	if res2.ID != res.ID {
		t.Fatalf("second save created a new row: %d vs %d", res2.ID, res.ID)
	}

	got, gotPunches, err := s.Result(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got.Points != 2 || len(gotPunches) != 2 {
		t.Fatalf("points=%d punches=%d, want 2/2", got.Points, len(gotPunches))
	}
	if gotPunches[0].Code != 31 || gotPunches[1].Code != 32 {
		t.Fatalf("punch order %d,%d", gotPunches[0].Code, gotPunches[1].Code)
	}
	if gotPunches[0].Split != 600*time.Second {
		t.Fatalf("split = %v", gotPunches[0].Split)
	}
}

func TestRankedResultsOrdering(t *testing.T) {
	s := openTestStore(t)
	cat := seedCategory(t, s, "M21", "31 32 99B", race.Classic)

	type entrant struct {
		name    string
		card    uint32
		points  int
		status  race.ResultStatus
		runTime time.Duration
	}
	entrants := []entrant{
		{"slow-full", 1001, 3, race.StatusOK, 40 * time.Minute},
		{"fast-full", 1002, 3, race.StatusOK, 30 * time.Minute},
		{"partial", 1003, 2, race.StatusOK, 20 * time.Minute},
		{"unranked", 1004, 1, race.StatusNoRanking, 10 * time.Minute},
		{"dsq", 1005, 3, race.StatusDisqualified, 5 * time.Minute},
	}
	for _, e := range entrants {
		comp := seedCompetitor(t, s, e.name, e.card, cat.ID)
		res := &race.Result{
			CompetitorID: comp.ID, CardNumber: e.card,
			Points: e.points, Status: e.status, AutomaticStatus: true, RunTime: e.runTime,
		}
		if err := s.SaveResult(context.Background(), res, nil); err != nil {
			t.Fatalf("SaveResult(%s): %v", e.name, err)
		}
	}

	ranked, err := s.RankedResults(context.Background(), cat.ID)
	if err != nil {
		t.Fatalf("RankedResults: %v", err)
	}
	want := []string{"fast-full", "slow-full", "partial", "unranked", "dsq"}
	if len(ranked) != len(want) {
		t.Fatalf("got %d rows, want %d", len(ranked), len(want))
	}
	for i, name := range want {
		if ranked[i].Competitor != name {
			t.Fatalf("rank %d = %s, want %s", i+1, ranked[i].Competitor, name)
		}
	}
}

func TestManualStatusOverride(t *testing.T) {
	s := openTestStore(t)
	cat := seedCategory(t, s, "M21", "31 32 99B", race.Classic)
	comp := seedCompetitor(t, s, "Ada", 8123456, cat.ID)

	start, finish := siTime(9*3600), siTime(9*3600+1800)
	res := &race.Result{
		CompetitorID: comp.ID, CardNumber: comp.CardNumber,
		Points: 3, Status: race.StatusOK, AutomaticStatus: true,
		RunTime: 30 * time.Minute, StartTime: &start, FinishTime: &finish,
	}
	punches := []race.Punch{
		{Code: 31, Time: siTime(9*3600 + 600)},
		{Code: 32, Time: siTime(9*3600 + 1200)},
		{Code: 99, Time: siTime(9*3600 + 1790)},
	}
	if err := s.SaveResult(context.Background(), res, punches); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	if err := s.SetManualStatus(context.Background(), res.ID, race.StatusDisqualified); err != nil {
		t.Fatalf("SetManualStatus: %v", err)
	}

	// A category re-evaluation refreshes points but honors the override.
	if err := s.ReevaluateCategory(context.Background(), cat.ID); err != nil {
		t.Fatalf("ReevaluateCategory: %v", err)
	}
	got, gotPunches, err := s.Result(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got.Status != race.StatusDisqualified {
		t.Fatalf("status = %s, want disqualified to stick", got.Status)
	}
	if got.Points != 3 {
		t.Fatalf("points = %d, want 3 after re-evaluation", got.Points)
	}
	if gotPunches[0].Status != race.PunchValid {
		t.Fatalf("punch status = %s, want re-evaluated valid", gotPunches[0].Status)
	}

	// Clearing the override restores the automatic verdict.
	if err := s.ClearManualStatus(context.Background(), res.ID); err != nil {
		t.Fatalf("ClearManualStatus: %v", err)
	}
	got, _, err = s.Result(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got.Status != race.StatusOK || !got.AutomaticStatus {
		t.Fatalf("status = %s auto=%v, want ok/true", got.Status, got.AutomaticStatus)
	}
}

func TestReevaluateAfterCourseEdit(t *testing.T) {
	s := openTestStore(t)
	cat := seedCategory(t, s, "M21", "31 32 99B", race.Classic)
	comp := seedCompetitor(t, s, "Ada", 8123456, cat.ID)

	start, finish := siTime(9*3600), siTime(9*3600+1800)
	res := &race.Result{
		CompetitorID: comp.ID, CardNumber: comp.CardNumber,
		AutomaticStatus: true, StartTime: &start, FinishTime: &finish,
	}
	punches := []race.Punch{
		{Code: 31, Time: siTime(9*3600 + 600)},
		{Code: 34, Time: siTime(9*3600 + 1200)},
		{Code: 99, Time: siTime(9*3600 + 1790)},
	}
	race.Evaluate(res, punches, cat.ControlPoints, cat.RaceType)
	if err := s.SaveResult(context.Background(), res, punches); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if res.Points != 2 {
		t.Fatalf("initial points = %d, want 2", res.Points)
	}

	// The course setter corrects the control list: 34 was on the course.
	cat.ControlSpec = "31 34 99B"
	if err := s.SaveCategory(context.Background(), cat); err != nil {
		t.Fatalf("SaveCategory(edit): %v", err)
	}
	if err := s.ReevaluateCategory(context.Background(), cat.ID); err != nil {
		t.Fatalf("ReevaluateCategory: %v", err)
	}

	got, _, err := s.Result(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got.Points != 3 || got.Status != race.StatusOK {
		t.Fatalf("after edit: points=%d status=%s, want 3/ok", got.Points, got.Status)
	}
}
