package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/user/stigharden/pkg/engine"
	"github.com/user/stigharden/pkg/session"
	"github.com/user/stigharden/pkg/store"
)

func scanWith(results ...engine.Result) engine.ScanResult {
	scan := engine.ScanResult{ID: "scan-" + string(rune('a'+len(results))), Profile: "stig"}
	for i, r := range results {
		scan.Findings = append(scan.Findings, engine.Finding{
			RuleID:   "rule_" + string(rune('a'+i)),
			Severity: engine.CatII,
			Result:   r,
		})
	}
	return scan
}

func newTestServer(t *testing.T) (*Server, *session.Session) {
	t.Helper()
	dir := t.TempDir()

	tasks, err := store.OpenTaskStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	f := engine.Finding{RuleID: "rule_a", Severity: engine.CatI, Title: "Root login"}
	task, _, err := tasks.Propose("s1", f, "- name: fix\n", engine.SourceTemplate, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tasks.Transition(task.ID, store.StatusSkipped, "operator", ""); err != nil {
		t.Fatal(err)
	}

	history := store.OpenHistory(dir, nil)
	snapshots := store.OpenScanSnapshots(dir)
	before := scanWith(engine.ResultFail, engine.ResultFail, engine.ResultPass, engine.ResultPass)
	after := scanWith(engine.ResultPass, engine.ResultFail, engine.ResultPass)
	for i, scan := range []engine.ScanResult{before, after} {
		if err := snapshots.SaveSnapshot(scan); err != nil {
			t.Fatal(err)
		}
		phase := store.PhaseBaseline
		if i == 1 {
			phase = store.PhaseRescan
		}
		if err := history.Append(store.NewHistoryEntry("s1", phase, scan, nil, engine.ScanDiff{})); err != nil {
			t.Fatal(err)
		}
	}

	cps := session.OpenCheckpoints(dir)
	sess := session.NewSession(session.ModeInteractive, "stig", engine.CatII)
	if err := cps.Save(sess); err != nil {
		t.Fatal(err)
	}
	return NewServer(tasks, history, snapshots, cps, nil), sess
}

func get(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("GET %s: decode: %v\n%s", path, err, rec.Body.String())
		}
	}
	return rec.Code
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	var body map[string]string
	if code := get(t, s.Handler(), "/health", &body); code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("health = %d %v", code, body)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	var hist struct {
		Entries []store.HistoryEntry `json:"entries"`
		Count   int                  `json:"count"`
	}
	if code := get(t, h, "/api/v1/history", &hist); code != http.StatusOK || hist.Count != 2 {
		t.Fatalf("history = %d, count %d", code, hist.Count)
	}
	if code := get(t, h, "/api/v1/history?limit=1", &hist); code != http.StatusOK || hist.Count != 1 || hist.Entries[0].Phase != store.PhaseRescan {
		t.Errorf("limited history = %d %+v", code, hist)
	}
	if code := get(t, h, "/api/v1/history?limit=x", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", code)
	}

	var imp store.Improvement
	if code := get(t, h, "/api/v1/history/improvement", &imp); code != http.StatusOK {
		t.Fatalf("improvement = %d", code)
	}
	if imp.FirstScore != 50 || imp.LastScore != 66.7 || imp.FailuresFixed != 1 {
		t.Errorf("improvement = %+v", imp)
	}

	var latest store.HistoryEntry
	if code := get(t, h, "/api/v1/score/latest", &latest); code != http.StatusOK || latest.Score != 66.7 {
		t.Errorf("latest = %d %+v", code, latest)
	}
}

func TestTaskEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	var list struct {
		Tasks []store.Task `json:"tasks"`
		Count int          `json:"count"`
	}
	if code := get(t, h, "/api/v1/tasks", &list); code != http.StatusOK || list.Count != 1 {
		t.Fatalf("tasks = %d %+v", code, list)
	}
	if code := get(t, h, "/api/v1/tasks?status=applied", &list); code != http.StatusOK || list.Count != 0 {
		t.Errorf("filtered tasks = %d %+v", code, list)
	}

	var task store.Task
	if code := get(t, h, "/api/v1/tasks/rule_a", &task); code != http.StatusOK || task.Status != store.StatusSkipped {
		t.Errorf("task = %d %+v", code, task)
	}
	if code := get(t, h, "/api/v1/tasks/missing", nil); code != http.StatusNotFound {
		t.Errorf("missing task = %d", code)
	}
}

func TestSessionAndScanEndpoints(t *testing.T) {
	s, sess := newTestServer(t)
	h := s.Handler()

	var body struct {
		Session session.Session `json:"session"`
		Resume  string          `json:"resume"`
	}
	if code := get(t, h, "/api/v1/sessions/"+sess.ID, &body); code != http.StatusOK || body.Session.ID != sess.ID {
		t.Errorf("session = %d %+v", code, body)
	}
	if code := get(t, h, "/api/v1/sessions/nope", nil); code != http.StatusNotFound {
		t.Errorf("missing session = %d", code)
	}

	var scan struct {
		Score     float64 `json:"score"`
		FailCount int     `json:"fail_count"`
	}
	if code := get(t, h, "/api/v1/scans/scan-e", &scan); code != http.StatusOK || scan.FailCount != 2 || scan.Score != 50 {
		t.Errorf("scan = %d %+v", code, scan)
	}
	if code := get(t, h, "/api/v1/scans/unknown", nil); code != http.StatusNotFound {
		t.Errorf("missing scan = %d", code)
	}
}

func TestReadOnly(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tasks", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/v1/tasks = %d, want 405", rec.Code)
	}
}
