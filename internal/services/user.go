package services

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/apiforge/apiforge-backend/internal/data/repos"
	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/ctxutil"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

type UserService interface {
	GetMe(dbc dbctx.Context) (*types.User, error)
	UpdateName(dbc dbctx.Context, firstName, lastName string) (*types.User, error)
}

type userService struct {
	db       *gorm.DB
	log      *logger.Logger
	userRepo repos.UserRepo
}

func NewUserService(db *gorm.DB, baseLog *logger.Logger, userRepo repos.UserRepo) UserService {
	return &userService{
		db:       db,
		log:      baseLog.With("service", "UserService"),
		userRepo: userRepo,
	}
}

func (s *userService) GetMe(dbc dbctx.Context) (*types.User, error) {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, faults.ErrUnauthorized
	}
	user, err := s.userRepo.GetByID(dbc, rd.UserID)
	if err != nil {
		return nil, faults.MapError("user: get me", err)
	}
	return user, nil
}

func (s *userService) UpdateName(dbc dbctx.Context, firstName, lastName string) (*types.User, error) {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, faults.ErrUnauthorized
	}
	firstName = strings.TrimSpace(firstName)
	lastName = strings.TrimSpace(lastName)
	if firstName == "" || lastName == "" {
		return nil, faults.ValidationError("first and last name are required")
	}
	if err := s.userRepo.UpdateFields(dbc, rd.UserID, map[string]interface{}{
		"first_name": firstName,
		"last_name":  lastName,
	}); err != nil {
		return nil, fmt.Errorf("user: update name: %w", err)
	}
	user, err := s.userRepo.GetByID(dbc, rd.UserID)
	if err != nil {
		return nil, faults.MapError("user: reload", err)
	}
	return user, nil
}
