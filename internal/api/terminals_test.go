package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/ashureev/vibe-relay/internal/apperr"
	"github.com/ashureev/vibe-relay/internal/domain"
	"github.com/ashureev/vibe-relay/internal/terminal"
)

type fakeTerminals struct {
	created   []terminal.CreateRequest
	deleted   []string
	listed    []domain.Terminal
	createErr error
	nextID    int
}

func (f *fakeTerminals) Create(_ context.Context, req terminal.CreateRequest) (*domain.Terminal, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	f.nextID++
	dir := req.WorkingDirectory
	if dir == "" {
		dir = terminal.DefaultWorkingDirectory
	}
	return &domain.Terminal{
		TerminalID:       "term-" + strconv.Itoa(f.nextID),
		Name:             req.Name,
		SandboxID:        req.SandboxID,
		WorkingDirectory: dir,
		Status:           domain.TerminalReady,
		CreatedAt:        time.Now(),
	}, nil
}

func (f *fakeTerminals) Delete(_ context.Context, _, terminalID string) error {
	f.deleted = append(f.deleted, terminalID)
	return nil
}

func (f *fakeTerminals) List(_ context.Context, sandboxID string) ([]domain.Terminal, error) {
	if sandboxID == "" {
		return nil, apperr.BadRequest("sandboxId is required")
	}
	return f.listed, nil
}

func TestCreateTerminalResponse(t *testing.T) {
	svc := &fakeTerminals{}
	h := NewTerminalHandler(NewHandler(), svc, nil)

	w := do(t, h, http.MethodPost, "/terminals/create", `{"sandboxId":"sb1","name":"main","workingDirectory":"/app"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	got := decodeBody(t, w)
	if got["success"] != true {
		t.Fatalf("success = %v", got["success"])
	}
	term := got["terminal"].(map[string]interface{})
	if term["terminalId"] == "" || term["name"] != "main" || term["sandboxId"] != "sb1" ||
		term["workingDirectory"] != "/app" || term["status"] != "ready" {
		t.Fatalf("unexpected terminal %v", term)
	}
}

func TestCreateTerminalValidatesBeforeCallingService(t *testing.T) {
	svc := &fakeTerminals{}
	h := NewTerminalHandler(NewHandler(), svc, nil)

	for _, body := range []string{`{"sandboxId":"sb1"}`, `{"name":"main"}`, `{"sandboxId":"sb1","name":""}`} {
		if w := do(t, h, http.MethodPost, "/terminals/create", body, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, w.Code)
		}
	}
	if len(svc.created) != 0 {
		t.Fatalf("service called for invalid input: %+v", svc.created)
	}
}

func TestCreateTerminalProviderFailureIsGeneric500(t *testing.T) {
	svc := &fakeTerminals{createErr: apperr.Upstream("failed to create terminal", errors.New("docker: exec refused"))}
	h := NewTerminalHandler(NewHandler(), svc, nil)

	w := do(t, h, http.MethodPost, "/terminals/create", `{"sandboxId":"sb1","name":"main"}`, "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if msg := decodeBody(t, w)["error"]; msg != "internal server error" {
		t.Fatalf("error = %v", msg)
	}
}

func TestDeleteTerminal(t *testing.T) {
	svc := &fakeTerminals{}
	h := NewTerminalHandler(NewHandler(), svc, nil)

	if w := do(t, h, http.MethodDelete, "/terminals/delete", `{"sandboxId":"sb1"}`, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("missing terminalId: status = %d, want 400", w.Code)
	}

	w := do(t, h, http.MethodDelete, "/terminals/delete", `{"sandboxId":"sb1","terminalId":"t1"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decodeBody(t, w)
	if got["success"] != true || got["terminalId"] != "t1" {
		t.Fatalf("unexpected body %v", got)
	}
	if len(svc.deleted) != 1 || svc.deleted[0] != "t1" {
		t.Fatalf("deleted = %v", svc.deleted)
	}
}

func TestListTerminals(t *testing.T) {
	svc := &fakeTerminals{}
	h := NewTerminalHandler(NewHandler(), svc, nil)

	if w := do(t, h, http.MethodGet, "/terminals/list", "", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("missing sandboxId: status = %d, want 400", w.Code)
	}

	w := do(t, h, http.MethodGet, "/terminals/list?sandboxId=sb1", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	terms, ok := decodeBody(t, w)["terminals"].([]interface{})
	if !ok || len(terms) != 0 {
		t.Fatalf("expected empty array, got %v", terms)
	}
}
