package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	requestdomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/sessionrequest/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() requestdomain.Repository {
	return &repo{}
}

func lockClause(db *gorm.DB) string {
	if db.Dialector.Name() == "postgres" {
		return " FOR UPDATE"
	}
	return ""
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, request *requestdomain.SessionRequest) error {
	return db.WithContext(ctx).Create(request).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*requestdomain.SessionRequest, error) {
	var request requestdomain.SessionRequest
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&request).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &request, nil
}

func (r *repo) FindForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*requestdomain.SessionRequest, error) {
	var request requestdomain.SessionRequest
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM session_requests WHERE id = ?`+lockClause(db),
		id,
	).Scan(&request).Error
	if err != nil {
		return nil, err
	}
	if request.ID == 0 {
		return nil, nil
	}
	return &request, nil
}

func (r *repo) FindPending(ctx context.Context, db *gorm.DB, requesterID, providerID snowflake.ID, now time.Time) (*requestdomain.SessionRequest, error) {
	var request requestdomain.SessionRequest
	err := db.WithContext(ctx).
		Where("requester_id = ? AND provider_id = ? AND status = ? AND expires_at > ?",
			requesterID, providerID, requestdomain.RequestStatusPending, now).
		First(&request).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &request, nil
}

func (r *repo) ListPending(ctx context.Context, db *gorm.DB) ([]requestdomain.SessionRequest, error) {
	var requests []requestdomain.SessionRequest
	err := db.WithContext(ctx).
		Where("status = ?", requestdomain.RequestStatusPending).
		Order("id ASC").
		Find(&requests).Error
	if err != nil {
		return nil, err
	}
	return requests, nil
}

func (r *repo) UpdateStatusGuarded(ctx context.Context, db *gorm.DB, id snowflake.ID, to requestdomain.RequestStatus) (bool, error) {
	res := db.WithContext(ctx).
		Model(&requestdomain.SessionRequest{}).
		Where("id = ? AND status = ?", id, requestdomain.RequestStatusPending).
		Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, request *requestdomain.SessionRequest) error {
	return db.WithContext(ctx).Save(request).Error
}
