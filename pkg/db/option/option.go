package option

import (
	"strings"
	"time"

	"github.com/User159951/intellipm/pkg/db/pagination"
	"gorm.io/gorm"
)

// QueryOption mutates a gorm statement before execution.
type QueryOption interface {
	Apply(*gorm.DB) *gorm.DB
}

type queryOptionFunc func(*gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// ApplyPagination applies cursor pagination. One extra row is fetched so the
// caller can detect whether more pages exist.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		size := p.PageSize
		if size <= 0 {
			size = 10
		}

		if token := strings.TrimSpace(p.PageToken); token != "" {
			cursor, err := pagination.DecodeCursor(token)
			if err == nil && cursor != nil && cursor.CreatedAt != "" {
				// Bind a time value, not the raw string, so the comparison
				// uses the driver's own timestamp encoding.
				if at, parseErr := time.Parse(time.RFC3339Nano, cursor.CreatedAt); parseErr == nil {
					db = db.Where("(created_at, id) < (?, ?)", at, cursor.ID)
				} else {
					db = db.Where("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
				}
			}
		}

		return db.Limit(size + 1)
	})
}

type QuerySortBy struct {
	Allow   map[string]bool
	SortBy  string
	OrderBy string
}

// WithSortBy orders results by an allow-listed column, newest first by default.
func WithSortBy(sort QuerySortBy) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		column := strings.TrimSpace(sort.SortBy)
		if column == "" || !sort.Allow[column] {
			column = "created_at"
		}

		direction := "DESC"
		if strings.EqualFold(strings.TrimSpace(sort.OrderBy), "asc") {
			direction = "ASC"
		}

		return db.Order(column + " " + direction).Order("id " + direction)
	})
}

// WithLimit caps the number of returned rows.
func WithLimit(limit int) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}
