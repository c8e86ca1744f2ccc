package api

import (
	"context"
	"net/http"

	"github.com/ashureev/vibe-relay/internal/domain"
	"github.com/ashureev/vibe-relay/internal/gallery"
	"github.com/go-chi/chi/v5"
)

// GalleryService is the gallery surface used by GalleryHandler.
type GalleryService interface {
	List(ctx context.Context, page, limit int, category string) (*gallery.Page, error)
	CheckPublished(ctx context.Context, appURL string) (*gallery.CheckResult, error)
	Publish(ctx context.Context, email string, req gallery.PublishRequest) (*domain.PublishedApp, error)
}

// GalleryHandler serves gallery routes.
type GalleryHandler struct {
	*Handler
	gallery GalleryService
}

// NewGalleryHandler creates a GalleryHandler.
func NewGalleryHandler(base *Handler, svc GalleryService) *GalleryHandler {
	return &GalleryHandler{Handler: base, gallery: svc}
}

// RegisterRoutes registers gallery routes.
func (h *GalleryHandler) RegisterRoutes(r chi.Router) {
	r.Route("/gallery", func(r chi.Router) {
		r.Get("/apps", h.List)
		r.Get("/check-published", h.CheckPublished)
		r.Post("/publish", h.Publish)
	})
}

// List returns one page of published apps. It needs no identity.
func (h *GalleryHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, limit := gallery.ParsePaging(q.Get("page"), q.Get("limit"))
	result, err := h.gallery.List(r.Context(), page, limit, q.Get("category"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

// CheckPublished reports whether an app URL is already in the gallery.
func (h *GalleryHandler) CheckPublished(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireEmail(w, r); !ok {
		return
	}
	result, err := h.gallery.CheckPublished(r.Context(), r.URL.Query().Get("appUrl"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

// Publish adds the caller's app to the gallery.
func (h *GalleryHandler) Publish(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}
	var req gallery.PublishRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	app, err := h.gallery.Publish(r.Context(), email, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "app": app})
}
