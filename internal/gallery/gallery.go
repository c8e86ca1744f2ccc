// Package gallery lists and publishes apps in the public gallery.
package gallery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/vibe-relay/internal/analytics"
	"github.com/ashureev/vibe-relay/internal/apperr"
	"github.com/ashureev/vibe-relay/internal/domain"
	"github.com/ashureev/vibe-relay/internal/store"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	DefaultLimit = 9
	MaxLimit     = 9
	// MaxPage bounds the page number so the row offset cannot overflow.
	MaxPage = 1_000_000
)

// Pagination describes one page of a listing.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
	HasMore    bool  `json:"hasMore"`
}

// Page is a listing result.
type Page struct {
	Apps       []domain.PublishedApp `json:"apps"`
	Pagination Pagination            `json:"pagination"`
}

// CheckResult is the outcome of a publish check.
type CheckResult struct {
	IsPublished bool                    `json:"isPublished"`
	App         *domain.PublishedAppRef `json:"app,omitempty"`
}

// PublishRequest describes an app to publish.
type PublishRequest struct {
	Title        string   `json:"title" validate:"required,max=120"`
	Description  string   `json:"description" validate:"max=2000"`
	AppURL       string   `json:"appUrl" validate:"required,url"`
	Category     string   `json:"category" validate:"max=40"`
	ThumbnailURL string   `json:"thumbnailUrl" validate:"omitempty,url"`
	Tags         []string `json:"tags" validate:"max=10,dive,max=30"`
}

// ParsePaging clamps raw query values to a valid page and limit. Values that
// are missing or not numbers fall back to the defaults; pages beyond MaxPage
// are served as MaxPage.
func ParsePaging(rawPage, rawLimit string) (page, limit int) {
	page, err := strconv.Atoi(strings.TrimSpace(rawPage))
	switch {
	case errors.Is(err, strconv.ErrRange) && page > 0:
		page = MaxPage
	case err != nil || page < 1:
		page = 1
	}
	page = min(page, MaxPage)
	limit, err = strconv.Atoi(strings.TrimSpace(rawLimit))
	if err != nil {
		limit = DefaultLimit
	}
	limit = min(max(limit, 1), MaxLimit)
	return page, limit
}

// NewPagination computes page metadata for total matching items.
func NewPagination(page, limit int, total int64) Pagination {
	totalPages := int((total + int64(limit) - 1) / int64(limit))
	return Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
		HasMore:    page < totalPages,
	}
}

// Service implements the gallery operations.
type Service struct {
	repo    store.GalleryRepository
	tracker analytics.Tracker
	now     func() time.Time
}

// NewService creates a gallery service.
func NewService(repo store.GalleryRepository, tracker analytics.Tracker) *Service {
	if tracker == nil {
		tracker = analytics.Noop{}
	}
	return &Service{repo: repo, tracker: tracker, now: time.Now}
}

// List returns one page of published apps, newest first. Category "all" or
// empty lists every category.
func (s *Service) List(ctx context.Context, page, limit int, category string) (*Page, error) {
	category = strings.TrimSpace(category)
	if strings.EqualFold(category, "all") {
		category = ""
	}

	apps, total, err := s.repo.List(ctx, store.GalleryQuery{
		Category: category,
		Offset:   (page - 1) * limit,
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list gallery: %w", err)
	}
	return &Page{Apps: apps, Pagination: NewPagination(page, limit, total)}, nil
}

// CheckPublished reports whether appURL is already in the gallery.
func (s *Service) CheckPublished(ctx context.Context, appURL string) (*CheckResult, error) {
	if strings.TrimSpace(appURL) == "" {
		return nil, apperr.BadRequest("appUrl is required")
	}

	app, err := s.repo.FindByURL(ctx, appURL)
	if errors.Is(err, store.ErrNotFound) {
		return &CheckResult{IsPublished: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check published: %w", err)
	}
	ref := app.Ref()
	return &CheckResult{IsPublished: true, App: &ref}, nil
}

// Publish adds an app to the gallery. Publishing a URL twice is a Conflict.
func (s *Service) Publish(ctx context.Context, email string, req PublishRequest) (*domain.PublishedApp, error) {
	app := &domain.PublishedApp{
		ID:           uuid.NewString(),
		Title:        strings.TrimSpace(req.Title),
		Description:  strings.TrimSpace(req.Description),
		AppURL:       strings.TrimSpace(req.AppURL),
		Category:     strings.ToLower(strings.TrimSpace(req.Category)),
		AuthorEmail:  email,
		ThumbnailURL: req.ThumbnailURL,
		CreatedAt:    s.now().UTC(),
	}
	if len(req.Tags) > 0 {
		tags, err := json.Marshal(req.Tags)
		if err != nil {
			return nil, fmt.Errorf("encode tags: %w", err)
		}
		app.Tags = datatypes.JSON(tags)
	}

	if err := s.repo.Create(ctx, app); err != nil {
		if errors.Is(err, store.ErrAlreadyPublished) {
			return nil, apperr.Conflict("app already published", err)
		}
		return nil, fmt.Errorf("publish app: %w", err)
	}

	slog.Info("App published", "app_id", app.ID, "app_url", app.AppURL, "user_email", email)
	s.tracker.Track(ctx, analytics.GalleryAppPublished, email, map[string]any{"app_id": app.ID, "category": app.Category})
	return app, nil
}
