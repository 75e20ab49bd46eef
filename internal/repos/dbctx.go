package repos

import (
	"context"

	"gorm.io/gorm"
)

// DBContext bundles a request context with an optional in-flight
// transaction, mirroring the teacher's internal/pkg/dbctx.Context.
type DBContext struct {
	Ctx context.Context
	Tx  *gorm.DB
}

func (c DBContext) txOr(db *gorm.DB) *gorm.DB {
	if c.Tx != nil {
		return c.Tx
	}
	return db
}
