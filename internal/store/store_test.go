package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/vibe-relay/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return New(kv, Options{MaxRetries: 8, BaseDelay: time.Millisecond})
}

func TestPutRevisions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	kv := s.KV()

	rev, err := kv.Put(ctx, "k", []byte(`1`), 0)
	if err != nil || rev != 1 {
		t.Fatalf("create: rev=%d err=%v", rev, err)
	}
	if _, err := kv.Put(ctx, "k", []byte(`2`), 0); !errors.Is(err, ErrRevisionMismatch) {
		t.Fatalf("expected mismatch on create of existing key, got %v", err)
	}
	if rev, err = kv.Put(ctx, "k", []byte(`2`), 1); err != nil || rev != 2 {
		t.Fatalf("conditional update: rev=%d err=%v", rev, err)
	}
	if _, err := kv.Put(ctx, "k", []byte(`3`), 1); !errors.Is(err, ErrRevisionMismatch) {
		t.Fatalf("expected mismatch on stale revision, got %v", err)
	}
	if rev, err = kv.Put(ctx, "k", []byte(`3`), AnyRevision); err != nil || rev != 3 {
		t.Fatalf("unconditional put: rev=%d err=%v", rev, err)
	}

	entry, err := kv.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(entry.Value) != "3" || entry.Revision != 3 {
		t.Fatalf("unexpected entry %+v", entry)
	}

	if err := kv.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := kv.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSetPrimitives(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	kv := s.KV()

	for _, m := range []string{"a", "b", "a", "c"} {
		if err := kv.SAdd(ctx, "set", m); err != nil {
			t.Fatalf("sadd %s: %v", m, err)
		}
	}
	members, err := kv.SMembers(ctx, "set")
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 3 || members[0] != "a" || members[1] != "b" || members[2] != "c" {
		t.Fatalf("unexpected members %v", members)
	}

	if err := kv.SRem(ctx, "set", "b"); err != nil {
		t.Fatalf("srem: %v", err)
	}
	ok, err := kv.SIsMember(ctx, "set", "b")
	if err != nil || ok {
		t.Fatalf("expected b removed, ok=%v err=%v", ok, err)
	}
	ok, err = kv.SIsMember(ctx, "set", "c")
	if err != nil || !ok {
		t.Fatalf("expected c present, ok=%v err=%v", ok, err)
	}
}

func TestUpdateSessionRequiresRecord(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpdateSession(context.Background(), "missing", func(*domain.ChatSession) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveListDeleteSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	tick := base
	s.now = func() time.Time { tick = tick.Add(time.Second); return tick }

	for _, id := range []string{"s1", "s2"} {
		session := &domain.ChatSession{ID: id, Messages: []domain.ChatMessage{json.RawMessage(`{"role":"user"}`)}}
		if _, err := s.SaveSession(ctx, "a@example.com", session); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	owned, err := s.OwnsSession(ctx, "a@example.com", "s1")
	if err != nil || !owned {
		t.Fatalf("expected s1 owned, owned=%v err=%v", owned, err)
	}
	owned, _ = s.OwnsSession(ctx, "b@example.com", "s1")
	if owned {
		t.Fatal("s1 must not be owned by another user")
	}

	sessions, err := s.ListSessions(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "s2" {
		t.Fatalf("expected newest first, got %+v", sessions)
	}

	if err := s.DeleteSession(ctx, "a@example.com", "s2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetSession(ctx, "s2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted session gone, got %v", err)
	}
	if owned, _ := s.OwnsSession(ctx, "a@example.com", "s2"); owned {
		t.Fatal("expected ownership removed")
	}
}

func TestSaveSessionKeepsCreationTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.SaveSession(ctx, "a@example.com", &domain.ChatSession{ID: "s1", Timestamp: 42})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	second, err := s.SaveSession(ctx, "a@example.com", &domain.ChatSession{ID: "s1", Title: "renamed"})
	if err != nil {
		t.Fatalf("resave: %v", err)
	}
	if first.Timestamp != 42 || second.Timestamp != 42 {
		t.Fatalf("timestamp changed: %d -> %d", first.Timestamp, second.Timestamp)
	}
	if second.Title != "renamed" {
		t.Fatalf("expected title replaced, got %q", second.Title)
	}
}

func TestConcurrentUpdatesKeepBothFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SaveSession(ctx, "a@example.com", &domain.ChatSession{ID: "s1"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := s.UpdateSession(ctx, "s1", func(v *domain.ChatSession) error {
			v.LatestDeploymentURL = "https://app.example.com"
			return nil
		})
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := s.UpdateSession(ctx, "s1", func(v *domain.ChatSession) error {
			v.Sandbox = &domain.SandboxMetadata{SandboxID: "sbx-1"}
			return nil
		})
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LatestDeploymentURL != "https://app.example.com" || got.Sandbox == nil || got.Sandbox.SandboxID != "sbx-1" {
		t.Fatalf("lost update: %+v", got)
	}
}

func TestStaleRevisionIsRetried(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.SaveSession(ctx, "a@example.com", &domain.ChatSession{ID: "s1"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	calls := 0
	_, err := s.UpdateSession(ctx, "s1", func(v *domain.ChatSession) error {
		calls++
		if calls == 1 {
			// A competing writer lands between our read and our write.
			if _, err := s.UpdateSession(ctx, "s1", func(inner *domain.ChatSession) error {
				inner.LatestCustomDomain = "example.com"
				return nil
			}); err != nil {
				return err
			}
		}
		v.LatestDeploymentURL = "https://app.example.com"
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}

	got, _ := s.GetSession(ctx, "s1")
	if got.LatestCustomDomain != "example.com" || got.LatestDeploymentURL != "https://app.example.com" {
		t.Fatalf("expected both fields, got %+v", got)
	}
}

func TestUserDomainsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	domains, err := s.ListUserDomains(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if domains == nil || len(domains) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", domains)
	}

	if _, err := s.UpsertUserDomain(ctx, "a@example.com", domain.StoredDomainData{Domain: "example.com", Price: 12}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	domains, err = s.UpsertUserDomain(ctx, "a@example.com", domain.StoredDomainData{Domain: "EXAMPLE.com", Price: 15})
	if err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if len(domains) != 1 || domains[0].Price != 15 || domains[0].UserEmail != "a@example.com" {
		t.Fatalf("unexpected domains %+v", domains)
	}
}

func TestCustomerAndCredits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetCustomerID(ctx, "a@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no customer, got %v", err)
	}
	id, err := s.SetCustomerIDIfAbsent(ctx, "a@example.com", "cus_1")
	if err != nil || id != "cus_1" {
		t.Fatalf("set: id=%q err=%v", id, err)
	}
	id, err = s.SetCustomerIDIfAbsent(ctx, "a@example.com", "cus_2")
	if err != nil || id != "cus_1" {
		t.Fatalf("expected first customer to win, id=%q err=%v", id, err)
	}

	if credits, _ := s.GetCredits(ctx, "a@example.com"); credits != 0 {
		t.Fatalf("expected zero credits, got %d", credits)
	}
	if _, applied, err := s.ApplyPayment(ctx, "a@example.com", "pi_1", 500); err != nil || !applied {
		t.Fatalf("apply pi_1: applied=%v err=%v", applied, err)
	}
	credits, applied, err := s.ApplyPayment(ctx, "a@example.com", "pi_2", 250)
	if err != nil || !applied || credits != 750 {
		t.Fatalf("expected 750, got %d applied=%v err=%v", credits, applied, err)
	}

	credits, applied, err = s.ApplyPayment(ctx, "a@example.com", "pi_1", 500)
	if err != nil || applied || credits != 750 {
		t.Fatalf("repeated payment must not credit again: credits=%d applied=%v err=%v", credits, applied, err)
	}
	if got, _ := s.GetCredits(ctx, "a@example.com"); got != 750 {
		t.Fatalf("expected balance 750, got %d", got)
	}
}

func TestTerminalRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	terms, err := s.ListTerminals(ctx, "sbx")
	if err != nil || len(terms) != 0 {
		t.Fatalf("expected empty registry, got %v err=%v", terms, err)
	}

	for i, id := range []string{"t2", "t1"} {
		term := domain.Terminal{TerminalID: id, SandboxID: "sbx", CreatedAt: now.Add(time.Duration(i) * time.Second)}
		if err := s.AddTerminal(ctx, term); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	terms, _ = s.ListTerminals(ctx, "sbx")
	if len(terms) != 2 || terms[0].TerminalID != "t2" {
		t.Fatalf("expected creation order, got %+v", terms)
	}

	removed, err := s.RemoveTerminal(ctx, "sbx", "t2")
	if err != nil || !removed {
		t.Fatalf("remove: %v %v", removed, err)
	}
	removed, _ = s.RemoveTerminal(ctx, "sbx", "t2")
	if removed {
		t.Fatal("second remove must report absent")
	}
	terms, _ = s.ListTerminals(ctx, "sbx")
	if len(terms) != 1 || terms[0].TerminalID != "t1" {
		t.Fatalf("unexpected registry %+v", terms)
	}
}

func TestFileSetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetFileSet(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	set := &domain.SessionFileSet{
		SessionID: "s1",
		SandboxID: "sbx",
		Files:     []domain.SessionFile{{Path: "src/main.ts", Content: []byte("export {}"), Mode: 0o644}},
	}
	if err := s.SaveFileSet(ctx, set); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetFileSet(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Files) != 1 || string(got.Files[0].Content) != "export {}" {
		t.Fatalf("unexpected file set %+v", got)
	}
}
