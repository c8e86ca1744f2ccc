package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ashureev/vibe-relay/internal/domain"
	"github.com/ashureev/vibe-relay/internal/shared"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrAlreadyPublished is returned when an app URL is already in the gallery.
var ErrAlreadyPublished = errors.New("app already published")

// GalleryQuery selects one page of published apps.
type GalleryQuery struct {
	Category string
	Offset   int
	Limit    int
}

// GalleryRepository persists published apps.
type GalleryRepository interface {
	List(ctx context.Context, q GalleryQuery) ([]domain.PublishedApp, int64, error)
	FindByURL(ctx context.Context, appURL string) (*domain.PublishedApp, error)
	Create(ctx context.Context, app *domain.PublishedApp) error
	Close() error
}

type gormGalleryRepository struct {
	db *gorm.DB
}

// OpenGallery opens (creating if needed) the gallery database at path.
func OpenGallery(path string) (GalleryRepository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create gallery directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_journal_mode=WAL"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open gallery database: %w", err)
	}

	if err := db.AutoMigrate(&domain.PublishedApp{}); err != nil {
		return nil, fmt.Errorf("migrate gallery schema: %w", err)
	}

	return NewGalleryRepository(db), nil
}

// NewGalleryRepository wraps an open gorm handle.
func NewGalleryRepository(db *gorm.DB) GalleryRepository {
	return &gormGalleryRepository{db: db}
}

func (r *gormGalleryRepository) scoped(ctx context.Context, category string) *gorm.DB {
	tx := r.db.WithContext(ctx).Model(&domain.PublishedApp{})
	if category != "" {
		tx = tx.Where("category = ?", category)
	}
	return tx
}

func (r *gormGalleryRepository) List(ctx context.Context, q GalleryQuery) ([]domain.PublishedApp, int64, error) {
	var total int64
	if err := r.scoped(ctx, q.Category).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count published apps: %w", err)
	}

	apps := []domain.PublishedApp{}
	if total == 0 {
		return apps, 0, nil
	}

	err := r.scoped(ctx, q.Category).
		Order("created_at DESC, id DESC").
		Offset(q.Offset).
		Limit(q.Limit).
		Find(&apps).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list published apps: %w", err)
	}
	return apps, total, nil
}

func (r *gormGalleryRepository) FindByURL(ctx context.Context, appURL string) (*domain.PublishedApp, error) {
	var app domain.PublishedApp
	err := r.db.WithContext(ctx).Where("app_url = ?", appURL).First(&app).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find published app: %w", err)
	}
	return &app, nil
}

func (r *gormGalleryRepository) Create(ctx context.Context, app *domain.PublishedApp) error {
	err := r.db.WithContext(ctx).Create(app).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || shared.IsUniqueConstraintError(err) {
			return ErrAlreadyPublished
		}
		return fmt.Errorf("create published app: %w", err)
	}
	return nil
}

func (r *gormGalleryRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
