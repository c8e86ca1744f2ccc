package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/vibe-relay/internal/domain"
)

func newTestGallery(t *testing.T) GalleryRepository {
	t.Helper()
	repo, err := OpenGallery(filepath.Join(t.TempDir(), "gallery.db"))
	if err != nil {
		t.Fatalf("open gallery: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestGalleryListPagesNewestFirst(t *testing.T) {
	repo := newTestGallery(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		category := "games"
		if i%2 == 0 {
			category = "tools"
		}
		app := &domain.PublishedApp{
			ID:        fmt.Sprintf("app-%d", i),
			Title:     fmt.Sprintf("App %d", i),
			AppURL:    fmt.Sprintf("https://app-%d.example.com", i),
			Category:  category,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := repo.Create(ctx, app); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	apps, total, err := repo.List(ctx, GalleryQuery{Offset: 2, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(apps) != 2 || apps[0].ID != "app-2" || apps[1].ID != "app-1" {
		t.Fatalf("unexpected page total=%d apps=%+v", total, apps)
	}

	apps, total, err = repo.List(ctx, GalleryQuery{Category: "tools", Limit: 9})
	if err != nil {
		t.Fatalf("list category: %v", err)
	}
	if total != 3 || len(apps) != 3 {
		t.Fatalf("expected 3 tools, got total=%d len=%d", total, len(apps))
	}
}

func TestGalleryFindAndDuplicate(t *testing.T) {
	repo := newTestGallery(t)
	ctx := context.Background()

	if _, err := repo.FindByURL(ctx, "https://x.example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	app := &domain.PublishedApp{ID: "a1", Title: "X", AppURL: "https://x.example.com", CreatedAt: time.Now()}
	if err := repo.Create(ctx, app); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := &domain.PublishedApp{ID: "a2", Title: "X again", AppURL: "https://x.example.com", CreatedAt: time.Now()}
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrAlreadyPublished) {
		t.Fatalf("expected ErrAlreadyPublished, got %v", err)
	}

	found, err := repo.FindByURL(ctx, "https://x.example.com")
	if err != nil || found.ID != "a1" {
		t.Fatalf("find: %+v %v", found, err)
	}
}
