package domain

import (
	"time"

	"gorm.io/datatypes"
)

// PublishedApp is an app listed in the public gallery.
type PublishedApp struct {
	ID           string         `gorm:"type:TEXT;primaryKey" json:"id"`
	Title        string         `gorm:"type:TEXT NOT NULL" json:"title"`
	Description  string         `gorm:"type:TEXT" json:"description,omitempty"`
	AppURL       string         `gorm:"type:TEXT NOT NULL;uniqueIndex" json:"appUrl"`
	Category     string         `gorm:"type:TEXT;index" json:"category,omitempty"`
	AuthorEmail  string         `gorm:"type:TEXT;index" json:"-"`
	ThumbnailURL string         `gorm:"type:TEXT" json:"thumbnailUrl,omitempty"`
	Tags         datatypes.JSON `json:"tags,omitempty"`
	CreatedAt    time.Time      `gorm:"index" json:"createdAt"`
}

// TableName implements the GORM tabler interface.
func (PublishedApp) TableName() string { return "published_apps" }

// PublishedAppRef is the reduced projection returned by publish checks.
type PublishedAppRef struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	AppURL    string    `json:"appUrl"`
	CreatedAt time.Time `json:"createdAt"`
}

// Ref returns the reduced projection of the app.
func (a *PublishedApp) Ref() PublishedAppRef {
	return PublishedAppRef{ID: a.ID, Title: a.Title, AppURL: a.AppURL, CreatedAt: a.CreatedAt}
}
