package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"geoProcessor/api/dto"
	"geoProcessor/api/validation"
)

type mockTaskService struct {
	submitFunc    func(ctx context.Context, owner string, req *dto.SubmitTaskRequest) (*dto.SubmitTaskResponse, error)
	getFunc       func(ctx context.Context, taskID string) (*dto.TaskResponse, error)
	getStatusFunc func(ctx context.Context, taskID string) (*dto.TaskStatusResponse, error)
	listFunc      func(ctx context.Context, q *dto.ListQuery) (*dto.TaskListResponse, error)
	cancelFunc    func(ctx context.Context, taskID string) (*dto.TaskResponse, error)
}

func (m *mockTaskService) Submit(ctx context.Context, owner string, req *dto.SubmitTaskRequest) (*dto.SubmitTaskResponse, error) {
	if m.submitFunc != nil {
		return m.submitFunc(ctx, owner, req)
	}
	return &dto.SubmitTaskResponse{TaskID: "task_abc123def456", Status: "queued"}, nil
}

func (m *mockTaskService) Get(ctx context.Context, taskID string) (*dto.TaskResponse, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, taskID)
	}
	return &dto.TaskResponse{TaskID: taskID, Status: "running"}, nil
}

func (m *mockTaskService) GetStatus(ctx context.Context, taskID string) (*dto.TaskStatusResponse, error) {
	if m.getStatusFunc != nil {
		return m.getStatusFunc(ctx, taskID)
	}
	return &dto.TaskStatusResponse{TaskID: taskID, Status: "running", Progress: 40}, nil
}

func (m *mockTaskService) List(ctx context.Context, q *dto.ListQuery) (*dto.TaskListResponse, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, q)
	}
	return &dto.TaskListResponse{Tasks: []*dto.TaskResponse{}, Limit: q.Limit, Offset: q.Offset}, nil
}

func (m *mockTaskService) Cancel(ctx context.Context, taskID string) (*dto.TaskResponse, error) {
	if m.cancelFunc != nil {
		return m.cancelFunc(ctx, taskID)
	}
	return &dto.TaskResponse{TaskID: taskID, Status: "cancelled"}, nil
}

func newTestHandler(t *testing.T, svc TaskService) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	NewTaskHandler(svc, zaptest.NewLogger(t)).Register(mux)
	return mux
}

func TestSubmit_Accepted(t *testing.T) {
	handler := newTestHandler(t, &mockTaskService{})

	body := `{"task_type":"indices","aoi":{"type":"Polygon","coordinates":[[[10,50],[10.1,50],[10.1,50.1],[10,50.1],[10,50]]]},"band_urls":{"red":"r","nir":"n"},"indices":["ndvi"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/process/tasks", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp dto.SubmitTaskResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Decoding response failed: %v", err)
	}
	if resp.TaskID == "" || resp.Status != "queued" {
		t.Errorf("Unexpected response %+v", resp)
	}
}

func TestSubmit_InvalidJSON(t *testing.T) {
	handler := newTestHandler(t, &mockTaskService{})

	req := httptest.NewRequest(http.MethodPost, "/api/process/tasks", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestSubmit_ValidationErrorBody(t *testing.T) {
	svc := &mockTaskService{
		submitFunc: func(context.Context, string, *dto.SubmitTaskRequest) (*dto.SubmitTaskResponse, error) {
			return nil, &validation.ValidationError{
				Kind:         validation.KindBands,
				Detail:       "required bands are missing for the requested indices",
				MissingBands: []string{"nir"},
			}
		},
	}
	handler := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/process/tasks", strings.NewReader(`{"task_type":"indices"}`))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}

	var resp dto.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Decoding error body failed: %v", err)
	}
	if resp.Kind != validation.KindBands {
		t.Errorf("Expected kind bands, got %q", resp.Kind)
	}
	if len(resp.MissingBands) != 1 || resp.MissingBands[0] != "nir" {
		t.Errorf("Expected missing nir band, got %v", resp.MissingBands)
	}
}

func TestGet_NotFound(t *testing.T) {
	svc := &mockTaskService{
		getFunc: func(context.Context, string) (*dto.TaskResponse, error) {
			return nil, dto.ErrTaskNotFound
		},
	}
	handler := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/process/tasks/task_missing", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	handler := newTestHandler(t, &mockTaskService{})

	req := httptest.NewRequest(http.MethodGet, "/api/process/tasks/task_abc123/status", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp dto.TaskStatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Decoding response failed: %v", err)
	}
	if resp.TaskID != "task_abc123" || resp.Status != "running" {
		t.Errorf("Unexpected response %+v", resp)
	}
}

func TestList_PassesQuery(t *testing.T) {
	var gotQuery *dto.ListQuery
	svc := &mockTaskService{
		listFunc: func(_ context.Context, q *dto.ListQuery) (*dto.TaskListResponse, error) {
			gotQuery = q
			return &dto.TaskListResponse{Tasks: []*dto.TaskResponse{}, Limit: q.Limit, Offset: q.Offset}, nil
		},
	}
	handler := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/process/tasks?status=running&limit=5&offset=10", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if gotQuery == nil || gotQuery.Status != "running" || gotQuery.Limit != 5 || gotQuery.Offset != 10 {
		t.Errorf("Unexpected query %+v", gotQuery)
	}
}

func TestList_RejectsBadLimit(t *testing.T) {
	handler := newTestHandler(t, &mockTaskService{})

	req := httptest.NewRequest(http.MethodGet, "/api/process/tasks?limit=lots", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestCancel(t *testing.T) {
	handler := newTestHandler(t, &mockTaskService{})

	req := httptest.NewRequest(http.MethodDelete, "/api/process/tasks/task_abc123", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp dto.TaskResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Decoding response failed: %v", err)
	}
	if resp.Status != "cancelled" {
		t.Errorf("Expected cancelled, got %s", resp.Status)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	handler := newTestHandler(t, &mockTaskService{})

	req := httptest.NewRequest(http.MethodPut, "/api/process/tasks", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}
