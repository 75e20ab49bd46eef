package repos

import (
	"context"

	"gorm.io/gorm"
)

// GormRowQuerier adapts a *gorm.DB to validators.RowExistsQuerier so
// the pre-flight RowExists check can probe arbitrary tables without the
// validators package importing gorm.
type GormRowQuerier struct {
	DB *gorm.DB
}

func (q GormRowQuerier) RowExists(ctx context.Context, table, column string, value any) (bool, error) {
	var count int64
	err := q.DB.WithContext(ctx).Table(table).Where(column+" = ?", value).Limit(1).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
