package repos

import (
	"gorm.io/gorm"

	"github.com/geoflow/orchestrator/internal/domain"
	"github.com/geoflow/orchestrator/internal/logger"
)

// JanitorRunRepo records one audit row per janitor sweep (spec.md §6),
// so an operator can see sweep history without grepping logs.
type JanitorRunRepo interface {
	Insert(dbc DBContext, run *domain.JanitorRun) error
}

type janitorRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJanitorRunRepo(db *gorm.DB, baseLog *logger.Logger) JanitorRunRepo {
	return &janitorRunRepo{db: db, log: baseLog.With("repo", "JanitorRunRepo")}
}

func (r *janitorRunRepo) Insert(dbc DBContext, run *domain.JanitorRun) error {
	tx := dbc.txOr(r.db)
	return tx.WithContext(dbc.Ctx).Create(run).Error
}
