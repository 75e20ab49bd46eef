package repos

import (
	"errors"

	"gorm.io/gorm"

	"github.com/geoflow/orchestrator/internal/domain"
	"github.com/geoflow/orchestrator/internal/logger"
)

// APIRequestRepo records external caller request ids against the job
// they produced, so a caller retrying a POST after a network blip can
// be told "already_existed" instead of double-submitting (spec.md §3).
type APIRequestRepo interface {
	InsertIfAbsent(dbc DBContext, req *domain.APIRequest) (alreadyExisted bool, err error)
	GetByRequestID(dbc DBContext, requestID string) (*domain.APIRequest, error)
}

type apiRequestRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAPIRequestRepo(db *gorm.DB, baseLog *logger.Logger) APIRequestRepo {
	return &apiRequestRepo{db: db, log: baseLog.With("repo", "APIRequestRepo")}
}

func (r *apiRequestRepo) InsertIfAbsent(dbc DBContext, req *domain.APIRequest) (bool, error) {
	tx := dbc.txOr(r.db)
	var existing domain.APIRequest
	err := tx.WithContext(dbc.Ctx).Where("request_id = ?", req.RequestID).First(&existing).Error
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	if createErr := tx.WithContext(dbc.Ctx).Create(req).Error; createErr != nil {
		var again domain.APIRequest
		if lookupErr := tx.WithContext(dbc.Ctx).Where("request_id = ?", req.RequestID).First(&again).Error; lookupErr == nil {
			return true, nil
		}
		return false, createErr
	}
	return false, nil
}

func (r *apiRequestRepo) GetByRequestID(dbc DBContext, requestID string) (*domain.APIRequest, error) {
	tx := dbc.txOr(r.db)
	var req domain.APIRequest
	err := tx.WithContext(dbc.Ctx).Where("request_id = ?", requestID).First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}
