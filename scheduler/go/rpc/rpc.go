// Package rpc wires the scheduler's HTTP API (spec §6) onto chi: the three
// task endpoints clients use and the task-complete multipart upload handler
// a worker's task-complete URL resolves to.
package rpc

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"go.skia.org/mrtaskman/go/httputils"
	"go.skia.org/mrtaskman/go/sklog"
	"go.skia.org/mrtaskman/scheduler/go/scheduler"
	"go.skia.org/mrtaskman/scheduler/go/types"
)

const (
	taskIDKind         = "mrtaskman#taskid"
	taskAssignmentKind = "TaskAssignment"
	assignRequestKind  = "mrtaskman#assign_request"
)

// Server exposes the scheduler's HTTP API.
type Server struct {
	sched *scheduler.Scheduler
}

// New returns a Server backed by sched.
func New(sched *scheduler.Scheduler) *Server {
	return &Server{sched: sched}
}

// AddHandlers registers the scheduler's routes on r.
func (s *Server) AddHandlers(r chi.Router) {
	r.Post("/tasks/schedule", s.scheduleTask)
	r.Get("/tasks/{id}", s.getTask)
	r.Delete("/tasks/{id}", s.deleteTask)
	r.Put("/tasks/assign", s.assignTask)
	r.Post("/tasks/{id}/complete/{attempt}", s.uploadResult)
	r.Delete("/tasks/by_executor/{executor}", s.deleteByExecutor)
}

type scheduleRequestTask struct {
	Name         string   `json:"name"`
	Requirements struct {
		Executor []string `json:"executor"`
	} `json:"requirements"`
	Priority int `json:"priority"`
}

type scheduleRequest struct {
	Task        scheduleRequestTask `json:"task"`
	ScheduledBy string              `json:"scheduled_by"`
}

type taskIDResponse struct {
	ID   int64  `json:"id"`
	Kind string `json:"kind"`
}

// scheduleTask implements POST /tasks/schedule (spec §6).
func (s *Server) scheduleTask(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/json" {
		httputils.ReportError(w, nil, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputils.ReportError(w, err, "Failed to read request body", http.StatusBadRequest)
		return
	}
	var req scheduleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputils.ReportError(w, err, "Failed to parse task config as JSON", http.StatusBadRequest)
		return
	}
	if req.Task.Name == "" {
		httputils.ReportError(w, nil, "task.name is required", http.StatusBadRequest)
		return
	}
	if len(req.Task.Requirements.Executor) == 0 {
		httputils.ReportError(w, nil, "task.requirements.executor must be a non-empty list", http.StatusBadRequest)
		return
	}
	id, err := s.sched.Schedule(req.Task.Name, string(body), req.ScheduledBy, req.Task.Requirements.Executor, req.Task.Priority)
	if err != nil {
		httputils.ReportError(w, err, "Failed to schedule task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, taskIDResponse{ID: id, Kind: taskIDKind})
}

// getTask implements GET /tasks/{id}.
func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		httputils.ReportError(w, err, "Invalid task id", http.StatusBadRequest)
		return
	}
	task, err := s.sched.GetTask(id)
	if err == scheduler.ErrNotFound {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		httputils.ReportError(w, err, "Failed to load task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// deleteTask implements DELETE /tasks/{id}.
func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		httputils.ReportError(w, err, "Invalid task id", http.StatusBadRequest)
		return
	}
	ok, err := s.sched.DeleteTask(id)
	if err != nil {
		httputils.ReportError(w, err, "Failed to delete task", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type assignRequest struct {
	Kind         string `json:"kind"`
	Worker       string `json:"worker"`
	Hostname     string `json:"hostname"`
	Capabilities struct {
		Executor []string `json:"executor"`
	} `json:"capabilities"`
}

type taskAssignmentResponse struct {
	Kind  string        `json:"kind"`
	Tasks []*types.Task `json:"tasks"`
}

// assignTask implements PUT /tasks/assign.
func (s *Server) assignTask(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/json" {
		httputils.ReportError(w, nil, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputils.ReportError(w, err, "Failed to parse assign request as JSON", http.StatusBadRequest)
		return
	}
	if req.Kind != "" && req.Kind != assignRequestKind {
		httputils.ReportError(w, nil, "kind must be "+assignRequestKind, http.StatusBadRequest)
		return
	}
	if req.Worker == "" || len(req.Capabilities.Executor) == 0 {
		httputils.ReportError(w, nil, "worker and capabilities.executor are required", http.StatusBadRequest)
		return
	}
	task, err := s.sched.Assign(req.Worker, req.Capabilities.Executor)
	if err != nil {
		httputils.ReportError(w, err, "Failed to assign task", http.StatusInternalServerError)
		return
	}
	resp := taskAssignmentResponse{Kind: taskAssignmentKind, Tasks: []*types.Task{}}
	if task != nil {
		resp.Tasks = []*types.Task{task}
	}
	writeJSON(w, http.StatusOK, resp)
}

type taskResultForm struct {
	ExitCode           int     `json:"exit_code"`
	ExecutionTime      float64 `json:"execution_time"`
	DeviceSerialNumber string  `json:"device_serial_number"`
	ResultMetadata     string  `json:"result_metadata"`
}

// uploadResult implements the task-complete multipart upload (spec §6):
// field task_result (JSON) plus file fields STDOUT/STDERR. Blob storage for
// those files is an external collaborator (spec §1); this handler stashes
// their form-field presence as opaque references rather than bytes.
func (s *Server) uploadResult(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		httputils.ReportError(w, err, "Invalid task id", http.StatusBadRequest)
		return
	}
	attempt, err := strconv.Atoi(chi.URLParam(r, "attempt"))
	if err != nil {
		httputils.ReportError(w, err, "Invalid attempt", http.StatusBadRequest)
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httputils.ReportError(w, err, "Failed to parse multipart form", http.StatusBadRequest)
		return
	}
	var result taskResultForm
	if err := json.Unmarshal([]byte(r.FormValue("task_result")), &result); err != nil {
		httputils.ReportError(w, err, "Failed to parse task_result as JSON", http.StatusBadRequest)
		return
	}
	stdoutRef := storeBlobRef(r.MultipartForm, "STDOUT")
	stderrRef := storeBlobRef(r.MultipartForm, "STDERR")

	err = s.sched.UploadResult(id, attempt, result.ExitCode, result.ExecutionTime, stdoutRef, stderrRef, "", "", result.DeviceSerialNumber, result.ResultMetadata)
	switch err {
	case nil:
		w.WriteHeader(http.StatusOK)
	case scheduler.ErrNotFound:
		http.NotFound(w, r)
	case scheduler.ErrTimedOut:
		httputils.ReportError(w, err, "Task attempt is no longer live", http.StatusConflict)
	default:
		httputils.ReportError(w, err, "Failed to upload result", http.StatusInternalServerError)
	}
}

// storeBlobRef returns the filename of the first file form carries under
// fieldName, or "" if there is none. The file's bytes are not stored; the
// blob store itself is an external collaborator (spec §1).
func storeBlobRef(form *multipart.Form, fieldName string) string {
	if form == nil || len(form.File[fieldName]) == 0 {
		return ""
	}
	return form.File[fieldName][0].Filename
}

// deleteByExecutor implements the bulk-delete supplemented feature (spec §3,
// grounded on server/models/tasks.py's DeleteAllByExecutorHandler).
func (s *Server) deleteByExecutor(w http.ResponseWriter, r *http.Request) {
	executor := chi.URLParam(r, "executor")
	go func() {
		// context.Background(), not r.Context(): the request's context is
		// canceled the instant this handler returns, but the sweep below is
		// meant to keep running after the 202 response is sent.
		if err := s.sched.DeleteByExecutor(context.Background(), executor); err != nil {
			sklog.Errorf("rpc: DeleteByExecutor(%q) failed: %s", executor, err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func parseTaskID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		sklog.Errorf("rpc: failed to encode response: %s", err)
	}
}
