package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/ashureev/vibe-relay/internal/apperr"
	"github.com/ashureev/vibe-relay/internal/domain"
	"github.com/ashureev/vibe-relay/internal/gallery"
	"github.com/ashureev/vibe-relay/internal/store"
)

type fakeGallery struct {
	page, limit int
	category    string
	published   map[string]*domain.PublishedApp
}

func (f *fakeGallery) List(_ context.Context, page, limit int, category string) (*gallery.Page, error) {
	f.page, f.limit, f.category = page, limit, category
	return &gallery.Page{Apps: []domain.PublishedApp{}, Pagination: gallery.NewPagination(page, limit, 0)}, nil
}

func (f *fakeGallery) CheckPublished(_ context.Context, appURL string) (*gallery.CheckResult, error) {
	if appURL == "" {
		return nil, apperr.BadRequest("appUrl is required")
	}
	app, ok := f.published[appURL]
	if !ok {
		return &gallery.CheckResult{}, nil
	}
	ref := app.Ref()
	return &gallery.CheckResult{IsPublished: true, App: &ref}, nil
}

func (f *fakeGallery) Publish(_ context.Context, email string, req gallery.PublishRequest) (*domain.PublishedApp, error) {
	if _, ok := f.published[req.AppURL]; ok {
		return nil, apperr.Conflict("app already published", store.ErrAlreadyPublished)
	}
	app := &domain.PublishedApp{ID: "app-1", Title: req.Title, AppURL: req.AppURL, AuthorEmail: email, CreatedAt: time.Now()}
	f.published[req.AppURL] = app
	return app, nil
}

func TestGalleryListParsesPaging(t *testing.T) {
	tests := []struct {
		query       string
		page, limit int
		category    string
	}{
		{"", 1, 9, ""},
		{"?page=3&limit=4&category=games", 3, 4, "games"},
		{"?page=abc&limit=xyz", 1, 9, ""},
		{"?page=0&limit=50", 1, 9, ""},
		{"?page=-2&limit=0", 1, 1, ""},
	}
	for _, tt := range tests {
		svc := &fakeGallery{}
		h := NewGalleryHandler(NewHandler(), svc)

		w := do(t, h, http.MethodGet, "/gallery/apps"+tt.query, "", "")
		if w.Code != http.StatusOK {
			t.Fatalf("%q: status = %d", tt.query, w.Code)
		}
		if svc.page != tt.page || svc.limit != tt.limit || svc.category != tt.category {
			t.Errorf("%q: got page=%d limit=%d category=%q", tt.query, svc.page, svc.limit, svc.category)
		}
	}
}

func TestCheckPublished(t *testing.T) {
	svc := &fakeGallery{published: map[string]*domain.PublishedApp{
		"https://todo.vercel.app": {ID: "app-1", Title: "Todo", AppURL: "https://todo.vercel.app"},
	}}
	h := NewGalleryHandler(NewHandler(), svc)

	if w := do(t, h, http.MethodGet, "/gallery/check-published?appUrl=https://todo.vercel.app", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: status = %d, want 401", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/gallery/check-published", "", "alice@example.com"); w.Code != http.StatusBadRequest {
		t.Fatalf("missing appUrl: status = %d, want 400", w.Code)
	}

	w := do(t, h, http.MethodGet, "/gallery/check-published?appUrl=https://todo.vercel.app", "", "alice@example.com")
	got := decodeBody(t, w)
	if got["isPublished"] != true || got["app"].(map[string]interface{})["id"] != "app-1" {
		t.Fatalf("unexpected body %v", got)
	}

	w = do(t, h, http.MethodGet, "/gallery/check-published?appUrl=https://other.vercel.app", "", "alice@example.com")
	got = decodeBody(t, w)
	if got["isPublished"] != false {
		t.Fatalf("unexpected body %v", got)
	}
	if _, ok := got["app"]; ok {
		t.Fatalf("app should be omitted when not published: %v", got)
	}
}

func TestPublishApp(t *testing.T) {
	svc := &fakeGallery{published: map[string]*domain.PublishedApp{}}
	h := NewGalleryHandler(NewHandler(), svc)
	body := `{"title":"Todo","appUrl":"https://todo.vercel.app","tags":["react"]}`

	if w := do(t, h, http.MethodPost, "/gallery/publish", body, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: status = %d, want 401", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/gallery/publish", `{"title":"Todo","appUrl":"not a url"}`, "alice@example.com"); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid url: status = %d, want 400", w.Code)
	}

	w := do(t, h, http.MethodPost, "/gallery/publish", body, "alice@example.com")
	if w.Code != http.StatusOK {
		t.Fatalf("publish: status = %d, body %s", w.Code, w.Body.String())
	}
	app := decodeBody(t, w)["app"].(map[string]interface{})
	if _, leaked := app["authorEmail"]; leaked {
		t.Fatalf("author email exposed: %v", app)
	}

	w = do(t, h, http.MethodPost, "/gallery/publish", body, "bob@example.com")
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate: status = %d, want 409", w.Code)
	}
}
