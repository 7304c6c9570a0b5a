package ratings

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mohammed-shakir/office-poi-cache/internal/core/apperr"
	"github.com/mohammed-shakir/office-poi-cache/internal/core/model"
)

// ReviewSource reads review rows for a set of POI ids.
type ReviewSource interface {
	ReviewsFor(ctx context.Context, poiIDs []string) ([]model.Review, error)
}

// ReviewRow maps the externally owned reviews table. Only the columns read
// here are declared.
type ReviewRow struct {
	ID             uint64    `gorm:"column:id;primaryKey"`
	RestaurantID   string    `gorm:"column:restaurant_id;index"`
	RestaurantName string    `gorm:"column:restaurant_name"`
	Rating         int       `gorm:"column:rating"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (ReviewRow) TableName() string { return "reviews" }

// queryChunk keeps IN lists under driver parameter limits.
const queryChunk = 500

type GormSource struct {
	db *gorm.DB
}

var _ ReviewSource = (*GormSource)(nil)

func NewGormSource(db *gorm.DB) *GormSource { return &GormSource{db: db} }

func (s *GormSource) ReviewsFor(ctx context.Context, poiIDs []string) ([]model.Review, error) {
	var out []model.Review
	for start := 0; start < len(poiIDs); start += queryChunk {
		end := min(start+queryChunk, len(poiIDs))
		var rows []ReviewRow
		err := s.db.WithContext(ctx).
			Select("id", "restaurant_id", "restaurant_name", "rating", "created_at").
			Where("restaurant_id IN ?", poiIDs[start:end]).
			Order("created_at ASC, id ASC").
			Find(&rows).Error
		if err != nil {
			return nil, apperr.Store("reviews", fmt.Errorf("select reviews: %w", err))
		}
		for _, r := range rows {
			out = append(out, model.Review{
				RestaurantID:   r.RestaurantID,
				RestaurantName: r.RestaurantName,
				Rating:         r.Rating,
				CreatedAt:      r.CreatedAt,
			})
		}
	}
	return out, nil
}
