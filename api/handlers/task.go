package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"geoProcessor/api/dto"
	"geoProcessor/api/middleware"
	"geoProcessor/api/validation"
)

const tasksPath = "/api/process/tasks"

// TaskService is the slice of the service layer the HTTP surface needs.
type TaskService interface {
	Submit(ctx context.Context, owner string, req *dto.SubmitTaskRequest) (*dto.SubmitTaskResponse, error)
	Get(ctx context.Context, taskID string) (*dto.TaskResponse, error)
	GetStatus(ctx context.Context, taskID string) (*dto.TaskStatusResponse, error)
	List(ctx context.Context, q *dto.ListQuery) (*dto.TaskListResponse, error)
	Cancel(ctx context.Context, taskID string) (*dto.TaskResponse, error)
}

type TaskHandler struct {
	service TaskService
	logger  *zap.Logger
}

func NewTaskHandler(service TaskService, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		service: service,
		logger:  logger,
	}
}

// Register wires the task routes onto the mux.
func (h *TaskHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc(tasksPath, h.Tasks)
	mux.HandleFunc(tasksPath+"/", h.Task)
}

// Tasks dispatches the collection endpoint: POST submits, GET lists.
func (h *TaskHandler) Tasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.Submit(w, r)
	case http.MethodGet:
		h.List(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Task dispatches the item endpoints: GET /{id}, GET /{id}/status,
// DELETE /{id}.
func (h *TaskHandler) Task(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	rest := strings.TrimPrefix(r.URL.Path, tasksPath+"/")
	taskID, sub, _ := strings.Cut(rest, "/")
	if taskID == "" {
		h.handleError(w, "Task ID is required", nil, traceID, http.StatusBadRequest)
		return
	}

	switch {
	case r.Method == http.MethodGet && sub == "":
		h.Get(w, r, taskID)
	case r.Method == http.MethodGet && sub == "status":
		h.Status(w, r, taskID)
	case r.Method == http.MethodDelete && sub == "":
		h.Cancel(w, r, taskID)
	default:
		http.NotFound(w, r)
	}
}

func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	var req dto.SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, "Invalid request body", err, traceID, http.StatusBadRequest)
		return
	}

	owner := middleware.GetPrincipal(r.Context())
	resp, err := h.service.Submit(r.Context(), owner, &req)
	if err != nil {
		var verr *validation.ValidationError
		if errors.As(err, &verr) {
			h.respondValidationError(w, verr, traceID)
			return
		}
		h.handleError(w, "Failed to submit task", err, traceID, http.StatusInternalServerError)
		return
	}

	h.logger.Info("Task accepted",
		zap.String("trace_id", traceID),
		zap.String("task_id", resp.TaskID),
	)

	h.respondJSON(w, http.StatusAccepted, resp)
}

func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request, taskID string) {
	traceID := middleware.GetTraceID(r.Context())

	resp, err := h.service.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, dto.ErrTaskNotFound) {
			h.handleError(w, "Task not found", err, traceID, http.StatusNotFound)
			return
		}
		h.handleError(w, "Failed to get task", err, traceID, http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func (h *TaskHandler) Status(w http.ResponseWriter, r *http.Request, taskID string) {
	traceID := middleware.GetTraceID(r.Context())

	resp, err := h.service.GetStatus(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, dto.ErrTaskNotFound) {
			h.handleError(w, "Task not found", err, traceID, http.StatusNotFound)
			return
		}
		h.handleError(w, "Failed to get task status", err, traceID, http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	q := &dto.ListQuery{
		Status: r.URL.Query().Get("status"),
		Owner:  middleware.GetPrincipal(r.Context()),
	}
	var err error
	if q.Limit, err = queryInt(r, "limit", 0); err != nil {
		h.handleError(w, "Invalid limit", err, traceID, http.StatusBadRequest)
		return
	}
	if q.Offset, err = queryInt(r, "offset", 0); err != nil {
		h.handleError(w, "Invalid offset", err, traceID, http.StatusBadRequest)
		return
	}

	resp, err := h.service.List(r.Context(), q)
	if err != nil {
		var verr *validation.ValidationError
		if errors.As(err, &verr) {
			h.respondValidationError(w, verr, traceID)
			return
		}
		h.handleError(w, "Failed to list tasks", err, traceID, http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request, taskID string) {
	traceID := middleware.GetTraceID(r.Context())

	resp, err := h.service.Cancel(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, dto.ErrTaskNotFound) {
			h.handleError(w, "Task not found", err, traceID, http.StatusNotFound)
			return
		}
		h.handleError(w, "Failed to cancel task", err, traceID, http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func (h *TaskHandler) respondValidationError(w http.ResponseWriter, verr *validation.ValidationError, traceID string) {
	h.logger.Info("Request rejected",
		zap.String("trace_id", traceID),
		zap.String("kind", verr.Kind),
		zap.String("detail", verr.Detail),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(dto.ErrorResponse{
		Error:        verr.Detail,
		Kind:         verr.Kind,
		MissingBands: verr.MissingBands,
		TraceID:      traceID,
	})
}

func (h *TaskHandler) handleError(w http.ResponseWriter, message string, err error, traceID string, status int) {
	h.logger.Error(message,
		zap.String("trace_id", traceID),
		zap.Error(err),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(dto.ErrorResponse{
		Error:   message,
		TraceID: traceID,
	})
}

func (h *TaskHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
