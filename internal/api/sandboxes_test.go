package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/vibe-relay/internal/sandbox"
)

type fakeSandboxes struct {
	mu         sync.Mutex
	infos      map[string]*sandbox.Info
	inspectErr error
	created    []sandbox.CreateRequest
	entered    chan struct{}
	release    chan struct{}
}

func (f *fakeSandboxes) Create(_ context.Context, req sandbox.CreateRequest) (*sandbox.Info, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	now := time.Now().UTC()
	info := &sandbox.Info{
		SandboxID:  "sbx-new",
		Status:     sandbox.StatusRunning,
		OwnerEmail: req.OwnerEmail,
		SessionID:  req.SessionID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(45 * time.Minute),
	}
	f.infos[info.SandboxID] = info
	return info, nil
}

func (f *fakeSandboxes) Inspect(_ context.Context, id string) (*sandbox.Info, error) {
	if f.inspectErr != nil {
		return nil, f.inspectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[id]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	return info, nil
}

func TestConnectSandbox(t *testing.T) {
	provider := &fakeSandboxes{infos: map[string]*sandbox.Info{
		"sb1": {SandboxID: "sb1", Status: sandbox.StatusRunning, OwnerEmail: "alice@example.com"},
	}}
	h := NewSandboxHandler(NewHandler(), provider, newTestSessions(t))

	if w := do(t, h, http.MethodPost, "/sandboxes/connect", `{}`, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("missing id: status = %d, want 400", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/sandboxes/connect", `{"sandboxId":"nope"}`, ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown sandbox: status = %d, want 404", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/sandboxes/connect", `{"sandboxId":"sb1"}`, "bob@example.com"); w.Code != http.StatusNotFound {
		t.Fatalf("foreign sandbox: status = %d, want 404", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/sandboxes/connect", `{"sandboxId":"sb1"}`, ""); w.Code != http.StatusNotFound {
		t.Fatalf("anonymous caller: status = %d, want 404", w.Code)
	}

	w := do(t, h, http.MethodPost, "/sandboxes/connect", `{"sandboxId":"sb1"}`, "alice@example.com")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	sb := decodeBody(t, w)["sandbox"].(map[string]interface{})
	if sb["sandboxId"] != "sb1" || sb["status"] != "running" {
		t.Fatalf("unexpected sandbox %v", sb)
	}

	provider.inspectErr = errors.New("docker daemon unavailable")
	if w := do(t, h, http.MethodPost, "/sandboxes/connect", `{"sandboxId":"sb1"}`, ""); w.Code != http.StatusInternalServerError {
		t.Fatalf("provider failure: status = %d, want 500", w.Code)
	}
}

func TestCreateSandboxBindsSession(t *testing.T) {
	sessions := newTestSessions(t)
	seedSession(t, sessions, "alice@example.com", "s1")
	provider := &fakeSandboxes{infos: map[string]*sandbox.Info{}}
	h := NewSandboxHandler(NewHandler(), provider, sessions)

	if w := do(t, h, http.MethodPost, "/sandboxes/create", `{}`, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: status = %d, want 401", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/sandboxes/create", `{"sessionId":"s1"}`, "bob@example.com"); w.Code != http.StatusNotFound {
		t.Fatalf("foreign session: status = %d, want 404", w.Code)
	}
	if len(provider.created) != 0 {
		t.Fatalf("sandbox provisioned for rejected request: %+v", provider.created)
	}

	w := do(t, h, http.MethodPost, "/sandboxes/create", `{"sessionId":"s1"}`, "alice@example.com")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := provider.created[0]; got.OwnerEmail != "alice@example.com" || got.SessionID != "s1" {
		t.Fatalf("unexpected create request %+v", got)
	}

	session, err := sessions.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Sandbox == nil || session.Sandbox.SandboxID != "sbx-new" || session.Sandbox.ExpiresAt.IsZero() {
		t.Fatalf("session not bound to sandbox: %+v", session.Sandbox)
	}
}

func TestCreateSandboxRejectsConcurrentProvisioning(t *testing.T) {
	provider := &fakeSandboxes{
		infos:   map[string]*sandbox.Info{},
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	h := NewSandboxHandler(NewHandler(), provider, newTestSessions(t))

	first := make(chan int)
	go func() {
		first <- do(t, h, http.MethodPost, "/sandboxes/create", `{}`, "alice@example.com").Code
	}()

	select {
	case <-provider.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never started provisioning")
	}

	if w := do(t, h, http.MethodPost, "/sandboxes/create", `{}`, "alice@example.com"); w.Code != http.StatusConflict {
		t.Fatalf("concurrent create: status = %d, want 409", w.Code)
	}

	close(provider.release)
	if code := <-first; code != http.StatusOK {
		t.Fatalf("first create: status = %d", code)
	}
}
