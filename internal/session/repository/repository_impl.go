package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	sessiondomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() sessiondomain.Repository {
	return &repo{}
}

func lockClause(db *gorm.DB) string {
	if db.Dialector.Name() == "postgres" {
		return " FOR UPDATE"
	}
	return ""
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, session *sessiondomain.Session) error {
	return db.WithContext(ctx).Create(session).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*sessiondomain.Session, error) {
	var session sessiondomain.Session
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *repo) FindForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*sessiondomain.Session, error) {
	var session sessiondomain.Session
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM sessions WHERE id = ?`+lockClause(db),
		id,
	).Scan(&session).Error
	if err != nil {
		return nil, err
	}
	if session.ID == 0 {
		return nil, nil
	}
	return &session, nil
}

func (r *repo) UpdateStatusGuarded(ctx context.Context, db *gorm.DB, id snowflake.ID, from []sessiondomain.Status, to sessiondomain.Status) (bool, error) {
	res := db.WithContext(ctx).
		Model(&sessiondomain.Session{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, session *sessiondomain.Session) error {
	return db.WithContext(ctx).Save(session).Error
}

func (r *repo) CountLiveByProvider(ctx context.Context, db *gorm.DB, providerID snowflake.ID) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&sessiondomain.Session{}).
		Where("provider_id = ? AND status IN ?", providerID,
			[]sessiondomain.Status{sessiondomain.StatusActive, sessiondomain.StatusPaused}).
		Count(&n).Error
	return n, err
}

func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, statuses []sessiondomain.Status) ([]sessiondomain.Session, error) {
	var sessions []sessiondomain.Session
	err := db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("id ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
