package auth

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

type UserTokenRepo interface {
	Create(dbc dbctx.Context, token *types.UserToken) (*types.UserToken, error)
	GetByRefreshToken(dbc dbctx.Context, refreshToken string) (*types.UserToken, error)
	GetByAccessToken(dbc dbctx.Context, accessToken string) (*types.UserToken, error)
	RotateTokens(dbc dbctx.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error
	DeleteByUserID(dbc dbctx.Context, userID uuid.UUID) error
}

type userTokenRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUserTokenRepo(db *gorm.DB, baseLog *logger.Logger) UserTokenRepo {
	return &userTokenRepo{db: db, log: baseLog.With("repo", "UserTokenRepo")}
}

func (r *userTokenRepo) Create(dbc dbctx.Context, token *types.UserToken) (*types.UserToken, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if token == nil {
		return nil, fmt.Errorf("missing token")
	}
	if err := transaction.WithContext(dbc.Ctx).Create(token).Error; err != nil {
		return nil, err
	}
	return token, nil
}

func (r *userTokenRepo) GetByRefreshToken(dbc dbctx.Context, refreshToken string) (*types.UserToken, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("missing refresh token")
	}
	var t types.UserToken
	if err := transaction.WithContext(dbc.Ctx).First(&t, "refresh_token = ?", refreshToken).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *userTokenRepo) GetByAccessToken(dbc dbctx.Context, accessToken string) (*types.UserToken, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if accessToken == "" {
		return nil, fmt.Errorf("missing access token")
	}
	var t types.UserToken
	if err := transaction.WithContext(dbc.Ctx).First(&t, "access_token = ?", accessToken).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *userTokenRepo) RotateTokens(dbc dbctx.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return fmt.Errorf("missing token id")
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.UserToken{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_at":    expiresAt,
			"updated_at":    time.Now(),
		}).Error
}

func (r *userTokenRepo) DeleteByUserID(dbc dbctx.Context, userID uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if userID == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Where("user_id = ?", userID).
		Delete(&types.UserToken{}).Error
}
