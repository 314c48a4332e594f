// Package api exposes the HTTP surface: async import submission, job
// status, streaming export, and health probes.
package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/vega/internal/admission"
	"github.com/oriys/vega/internal/domain"
	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
)

const userIDHeader = "X-User-Id"

// exportPageSize is the keyset page size for the CSV export stream.
const exportPageSize = 500

// Submitter admits and enqueues import jobs.
type Submitter interface {
	Submit(ctx context.Context, userID string, count int64) (string, admission.Decision, error)
}

// JobReader answers job status queries.
type JobReader interface {
	Get(ctx context.Context, jobID string) (*domain.ImportJob, error)
}

// UserReader streams persisted users for the export endpoint.
type UserReader interface {
	ListUsersAfter(ctx context.Context, afterID int64, limit int) ([]domain.User, error)
}

// Pinger reports backing-store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the HTTP dependencies.
type Handler struct {
	Runner   Submitter
	Jobs     JobReader
	Users    UserReader
	Redis    Pinger
	Postgres Pinger
}

// RegisterRoutes registers all routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /users/import/async", h.ImportUsersAsync)
	mux.HandleFunc("GET /jobs/{jobId}", h.JobStatus)
	mux.HandleFunc("GET /users/export", h.ExportUsers)

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", h.HealthLive)
	mux.HandleFunc("GET /health/ready", h.HealthReady)

	mux.Handle("GET /metrics/prometheus", metrics.Global().Handler())
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Timestamp time.Time `json:"timestamp"`
	Status    int       `json:"status"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`

	// Cooldown rejections only.
	TotalSeconds     *int64 `json:"totalSeconds,omitempty"`
	RemainingSeconds *int64 `json:"remainingSeconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, errText, message string) {
	writeJSON(w, status, errorBody{
		Timestamp: time.Now().UTC(),
		Status:    status,
		Error:     errText,
		Message:   message,
	})
}

// ImportUsersAsync handles POST /users/import/async?count=N.
// Accepted jobs return 202 immediately; the workload runs on the
// worker pool and reports through the job status endpoint.
func (h *Handler) ImportUsersAsync(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "Bad Request", "missing "+userIDHeader+" header")
		return
	}
	// Colons would corrupt the store key layout.
	if strings.Contains(userID, ":") {
		writeError(w, http.StatusBadRequest, "Bad Request", "user id must not contain ':'")
		return
	}

	count, err := strconv.ParseInt(r.URL.Query().Get("count"), 10, 64)
	if err != nil || count <= 0 {
		writeError(w, http.StatusBadRequest, "Bad Request", "count must be a positive integer")
		return
	}

	jobID, dec, err := h.Runner.Submit(r.Context(), userID, count)
	if err != nil {
		logging.Op().Error("import submission failed", "user_id", userID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Service Unavailable", "admission store unreachable, try again")
		return
	}

	switch dec.Outcome {
	case admission.RejectedConcurrency:
		writeError(w, http.StatusTooManyRequests, "Too Many Requests",
			dec.Tier.Name+" concurrency limit reached, max allowed = "+strconv.Itoa(dec.Limit))
		return
	case admission.RejectedCooldown:
		total := int64(dec.CooldownTotal / time.Second)
		remaining := int64(dec.CooldownRemaining / time.Second)
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Timestamp:        time.Now().UTC(),
			Status:           http.StatusTooManyRequests,
			Error:            "Too Many Requests",
			Message:          "user is in cooldown period",
			TotalSeconds:     &total,
			RemainingSeconds: &remaining,
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":   jobID,
		"status":  string(domain.JobPending),
		"message": "import accepted, poll /jobs/" + jobID + " for progress",
	})
}

// JobStatus handles GET /jobs/{jobId}.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	job, err := h.Jobs.Get(r.Context(), jobID)
	if err != nil {
		logging.Op().Error("job status read failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Service Unavailable", "status store unreachable")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "Not Found", "no job with id "+jobID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":          job.JobID,
		"status":         string(job.Status),
		"requestedCount": job.RequestedCount,
		"processedCount": job.ProcessedCount,
		"progress":       job.Progress(),
		"startedAt":      job.StartedAt,
		"finishedAt":     job.FinishedAt,
		"message":        job.Message,
	})
}

// ExportUsers handles GET /users/export, streaming all users as CSV.
// Keyset pagination keeps memory flat however large the table grows.
func (h *Handler) ExportUsers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="users.csv"`)

	cw := csv.NewWriter(w)
	cw.Write([]string{"id", "first_name", "last_name", "email", "gender", "age", "city", "state", "phone"})

	var afterID int64
	for {
		users, err := h.Users.ListUsersAfter(r.Context(), afterID, exportPageSize)
		if err != nil {
			// Headers are gone; all we can do is stop the stream.
			logging.Op().Error("user export page failed", "after_id", afterID, "error", err)
			return
		}
		if len(users) == 0 {
			break
		}
		for _, u := range users {
			cw.Write([]string{
				strconv.FormatInt(u.ID, 10),
				u.FirstName, u.LastName, u.Email, u.Gender,
				strconv.Itoa(u.Age), u.City, u.State, u.Phone,
			})
		}
		afterID = users[len(users)-1].ID
		cw.Flush()
		// A failed flush means the client is gone; stop paging.
		if err := cw.Error(); err != nil {
			logging.Op().Warn("user export stream aborted", "after_id", afterID, "error", err)
			return
		}
	}
	cw.Flush()
}

// Health handles GET /health - detailed component status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	redisOK := h.Redis == nil || h.Redis.Ping(ctx) == nil
	pgOK := h.Postgres == nil || h.Postgres.Ping(ctx) == nil

	status := "ok"
	code := http.StatusOK
	if !redisOK || !pgOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status": status,
		"components": map[string]bool{
			"redis":    redisOK,
			"postgres": pgOK,
		},
	})
}

// HealthLive handles GET /health/live - process liveness only.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HealthReady handles GET /health/ready - ready to admit traffic.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.Redis != nil && h.Redis.Ping(ctx) != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
