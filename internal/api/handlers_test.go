package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oriys/vega/internal/admission"
	"github.com/oriys/vega/internal/domain"
)

type fakeSubmitter struct {
	jobID    string
	decision admission.Decision
	err      error

	gotUserID string
	gotCount  int64
}

func (f *fakeSubmitter) Submit(ctx context.Context, userID string, count int64) (string, admission.Decision, error) {
	f.gotUserID = userID
	f.gotCount = count
	return f.jobID, f.decision, f.err
}

type fakeJobReader struct {
	job *domain.ImportJob
	err error
}

func (f *fakeJobReader) Get(ctx context.Context, jobID string) (*domain.ImportJob, error) {
	return f.job, f.err
}

type fakeUserReader struct {
	users []domain.User
	err   error
}

func (f *fakeUserReader) ListUsersAfter(ctx context.Context, afterID int64, limit int) ([]domain.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	var page []domain.User
	for _, u := range f.users {
		if u.ID > afterID {
			page = append(page, u)
		}
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func newTestMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /users/import/async", h.ImportUsersAsync)
	mux.HandleFunc("GET /jobs/{jobId}", h.JobStatus)
	mux.HandleFunc("GET /users/export", h.ExportUsers)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", h.HealthLive)
	mux.HandleFunc("GET /health/ready", h.HealthReady)
	return mux
}

func doRequest(t *testing.T, mux *http.ServeMux, method, target, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestImportMissingUserHeader(t *testing.T) {
	h := &Handler{Runner: &fakeSubmitter{}}
	rec := doRequest(t, newTestMux(h), http.MethodPost, "/users/import/async?count=10", "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeError(t, rec)
	if !strings.Contains(body.Message, "X-User-Id") {
		t.Fatalf("message = %q", body.Message)
	}
}

func TestImportRejectsColonInUserID(t *testing.T) {
	h := &Handler{Runner: &fakeSubmitter{}}
	rec := doRequest(t, newTestMux(h), http.MethodPost, "/users/import/async?count=10", "a:b")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestImportRejectsBadCount(t *testing.T) {
	h := &Handler{Runner: &fakeSubmitter{}}
	mux := newTestMux(h)

	for _, target := range []string{
		"/users/import/async",
		"/users/import/async?count=0",
		"/users/import/async?count=-5",
		"/users/import/async?count=abc",
	} {
		rec := doRequest(t, mux, http.MethodPost, target, "alice")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestImportAccepted(t *testing.T) {
	sub := &fakeSubmitter{
		jobID:    "J1",
		decision: admission.Decision{Outcome: admission.Allowed, Tier: admission.Tier{Name: "SMALL"}},
	}
	h := &Handler{Runner: sub}
	rec := doRequest(t, newTestMux(h), http.MethodPost, "/users/import/async?count=42", "alice")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%s)", rec.Code, rec.Body.String())
	}
	if sub.gotUserID != "alice" || sub.gotCount != 42 {
		t.Fatalf("submitter got user=%q count=%d", sub.gotUserID, sub.gotCount)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["jobId"] != "J1" || body["status"] != "PENDING" {
		t.Fatalf("body = %v", body)
	}
}

func TestImportConcurrencyRejection(t *testing.T) {
	sub := &fakeSubmitter{
		decision: admission.Decision{
			Outcome: admission.RejectedConcurrency,
			Tier:    admission.Tier{Name: "MEDIUM"},
			Limit:   5,
		},
	}
	h := &Handler{Runner: sub}
	rec := doRequest(t, newTestMux(h), http.MethodPost, "/users/import/async?count=5000", "bob")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	body := decodeError(t, rec)
	if !strings.Contains(body.Message, "MEDIUM") || !strings.Contains(body.Message, "5") {
		t.Fatalf("message = %q", body.Message)
	}
	if body.TotalSeconds != nil || body.RemainingSeconds != nil {
		t.Fatal("concurrency rejection must not carry cooldown fields")
	}
}

func TestImportCooldownRejection(t *testing.T) {
	sub := &fakeSubmitter{
		decision: admission.Decision{
			Outcome:           admission.RejectedCooldown,
			Tier:              admission.Tier{Name: "SMALL"},
			CooldownTotal:     10 * time.Second,
			CooldownRemaining: 7 * time.Second,
		},
	}
	h := &Handler{Runner: sub}
	rec := doRequest(t, newTestMux(h), http.MethodPost, "/users/import/async?count=10", "carol")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	body := decodeError(t, rec)
	if body.TotalSeconds == nil || *body.TotalSeconds != 10 {
		t.Fatalf("totalSeconds = %v", body.TotalSeconds)
	}
	if body.RemainingSeconds == nil || *body.RemainingSeconds != 7 {
		t.Fatalf("remainingSeconds = %v", body.RemainingSeconds)
	}
}

func TestImportStoreFailure(t *testing.T) {
	h := &Handler{Runner: &fakeSubmitter{err: errors.New("redis down")}}
	rec := doRequest(t, newTestMux(h), http.MethodPost, "/users/import/async?count=10", "dave")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestJobStatusFound(t *testing.T) {
	finished := time.Now().UTC()
	h := &Handler{Jobs: &fakeJobReader{job: &domain.ImportJob{
		JobID:          "J1",
		Status:         domain.JobCompleted,
		RequestedCount: 100,
		ProcessedCount: 100,
		FinishedAt:     &finished,
	}}}
	rec := doRequest(t, newTestMux(h), http.MethodGet, "/jobs/J1", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "COMPLETED" || body["progress"] != float64(100) {
		t.Fatalf("body = %v", body)
	}
}

func TestJobStatusNotFound(t *testing.T) {
	h := &Handler{Jobs: &fakeJobReader{}}
	rec := doRequest(t, newTestMux(h), http.MethodGet, "/jobs/missing", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestJobStatusStoreFailure(t *testing.T) {
	h := &Handler{Jobs: &fakeJobReader{err: errors.New("redis down")}}
	rec := doRequest(t, newTestMux(h), http.MethodGet, "/jobs/J1", "")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestExportUsersCSV(t *testing.T) {
	h := &Handler{Users: &fakeUserReader{users: []domain.User{
		{ID: 1, FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", Gender: "female", Age: 36, City: "London", State: "LDN", Phone: "555"},
		{ID: 2, FirstName: "Alan", LastName: "Turing", Email: "alan@example.com", Gender: "male", Age: 41, City: "Wilmslow", State: "CHS", Phone: "556"},
	}}}
	rec := doRequest(t, newTestMux(h), http.MethodGet, "/users/export", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("content type = %q", ct)
	}

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want header + 2 rows: %q", len(lines), rec.Body.String())
	}
	if !strings.HasPrefix(lines[0], "id,first_name") {
		t.Fatalf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "ada@example.com") || !strings.Contains(lines[2], "alan@example.com") {
		t.Fatalf("rows = %v", lines[1:])
	}
}

func TestExportUsersEmpty(t *testing.T) {
	h := &Handler{Users: &fakeUserReader{}}
	rec := doRequest(t, newTestMux(h), http.MethodGet, "/users/export", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("empty export should emit only the header: %q", rec.Body.String())
	}
}

// pagingUserReader serves full pages forever (up to a sanity cap) and
// counts how often it is asked.
type pagingUserReader struct {
	calls int
}

func (p *pagingUserReader) ListUsersAfter(ctx context.Context, afterID int64, limit int) ([]domain.User, error) {
	p.calls++
	if p.calls > 10 {
		return nil, nil
	}
	users := make([]domain.User, limit)
	for i := range users {
		users[i] = domain.User{ID: afterID + int64(i) + 1, FirstName: "u", Email: "u@example.com"}
	}
	return users, nil
}

// brokenWriter refuses every write, like a client that dropped the
// connection mid-stream.
type brokenWriter struct {
	header http.Header
}

func (w *brokenWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }
func (w *brokenWriter) WriteHeader(int)           {}

func TestExportStopsWhenClientGone(t *testing.T) {
	reader := &pagingUserReader{}
	h := &Handler{Users: reader}

	req := httptest.NewRequest(http.MethodGet, "/users/export", nil)
	h.ExportUsers(&brokenWriter{}, req)

	if reader.calls != 1 {
		t.Fatalf("reader paged %d times after the client dropped, want 1", reader.calls)
	}
}

func TestHealthDegraded(t *testing.T) {
	h := &Handler{Redis: &fakePinger{err: errors.New("down")}, Postgres: &fakePinger{}}
	rec := doRequest(t, newTestMux(h), http.MethodGet, "/health", "")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Status     string          `json:"status"`
		Components map[string]bool `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" || body.Components["redis"] || !body.Components["postgres"] {
		t.Fatalf("body = %+v", body)
	}
}

func TestHealthOK(t *testing.T) {
	h := &Handler{Redis: &fakePinger{}, Postgres: &fakePinger{}}
	rec := doRequest(t, newTestMux(h), http.MethodGet, "/health", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHealthProbes(t *testing.T) {
	h := &Handler{Redis: &fakePinger{}}
	mux := newTestMux(h)

	if rec := doRequest(t, mux, http.MethodGet, "/health/live", ""); rec.Code != http.StatusOK {
		t.Fatalf("live = %d", rec.Code)
	}
	if rec := doRequest(t, mux, http.MethodGet, "/health/ready", ""); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d", rec.Code)
	}

	h.Redis = &fakePinger{err: errors.New("down")}
	if rec := doRequest(t, mux, http.MethodGet, "/health/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready with redis down = %d", rec.Code)
	}
}
