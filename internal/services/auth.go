package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/apiforge/apiforge-backend/internal/data/repos"
	types "github.com/apiforge/apiforge-backend/internal/domain"
	"github.com/apiforge/apiforge-backend/internal/domain/faults"
	"github.com/apiforge/apiforge-backend/internal/pkg/dbctx"
	"github.com/apiforge/apiforge-backend/internal/platform/ctxutil"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

// JWTClaims is the access-token payload. Subject carries the user id.
type JWTClaims struct {
	jwt.RegisteredClaims
}

// TokenPair is what login and refresh hand back to the client.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type AuthService interface {
	RegisterUser(dbc dbctx.Context, user *types.User) (*types.User, error)
	LoginUser(dbc dbctx.Context, email, password string) (*types.User, *TokenPair, error)
	RefreshUser(dbc dbctx.Context, refreshToken string) (*TokenPair, error)
	LogoutUser(dbc dbctx.Context) error
	SetContextFromToken(ctx context.Context, tokenString string) (context.Context, error)
	AccessTTL() time.Duration
}

type authService struct {
	db           *gorm.DB
	log          *logger.Logger
	userRepo     repos.UserRepo
	tokenRepo    repos.UserTokenRepo
	jwtSecretKey []byte
	accessTTL    time.Duration
	refreshTTL   time.Duration
}

func NewAuthService(
	db *gorm.DB,
	baseLog *logger.Logger,
	userRepo repos.UserRepo,
	tokenRepo repos.UserTokenRepo,
	jwtSecretKey string,
	accessTTL time.Duration,
	refreshTTL time.Duration,
) AuthService {
	return &authService{
		db:           db,
		log:          baseLog.With("service", "AuthService"),
		userRepo:     userRepo,
		tokenRepo:    tokenRepo,
		jwtSecretKey: []byte(jwtSecretKey),
		accessTTL:    accessTTL,
		refreshTTL:   refreshTTL,
	}
}

var emailRx = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func (s *authService) RegisterUser(dbc dbctx.Context, user *types.User) (*types.User, error) {
	if user == nil {
		return nil, faults.ValidationError("missing user")
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.FirstName = strings.TrimSpace(user.FirstName)
	user.LastName = strings.TrimSpace(user.LastName)

	if !emailRx.MatchString(user.Email) {
		return nil, faults.ValidationError("invalid email address")
	}
	if len(user.Password) < 8 {
		return nil, faults.ValidationError("password must be at least 8 characters")
	}
	if user.FirstName == "" || user.LastName == "" {
		return nil, faults.ValidationError("first and last name are required")
	}

	if _, err := s.userRepo.GetByEmail(dbc, user.Email); err == nil {
		return nil, faults.ValidationError("email already registered")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("auth: check existing email: %w", err)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	user.Password = string(hashed)

	created, err := s.userRepo.Create(dbc, []*types.User{user})
	if err != nil {
		return nil, faults.MapError("auth: create user", err)
	}
	s.log.Info("user registered", "user_id", created[0].ID)
	return created[0], nil
}

func (s *authService) LoginUser(dbc dbctx.Context, email, password string) (*types.User, *TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, nil, errors.Join(faults.ErrUnauthorized, errors.New("missing credentials"))
	}

	user, err := s.userRepo.GetByEmail(dbc, email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, errors.Join(faults.ErrUnauthorized, errors.New("invalid credentials"))
		}
		return nil, nil, fmt.Errorf("auth: load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, nil, errors.Join(faults.ErrUnauthorized, errors.New("invalid credentials"))
	}

	var pair *TokenPair
	err = runInTx(s.db, dbc, func(txc dbctx.Context) error {
		if err := s.tokenRepo.DeleteByUserID(txc, user.ID); err != nil {
			return fmt.Errorf("clear previous tokens: %w", err)
		}
		issued, err := s.issueTokens(txc, user.ID)
		if err != nil {
			return err
		}
		pair = issued
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("auth: login: %w", err)
	}
	s.log.Info("user logged in", "user_id", user.ID)
	return user, pair, nil
}

func (s *authService) RefreshUser(dbc dbctx.Context, refreshToken string) (*TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, errors.Join(faults.ErrUnauthorized, errors.New("missing refresh token"))
	}

	token, err := s.tokenRepo.GetByRefreshToken(dbc, refreshToken)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Join(faults.ErrUnauthorized, errors.New("unknown refresh token"))
		}
		return nil, fmt.Errorf("auth: load refresh token: %w", err)
	}
	if time.Now().After(token.ExpiresAt) {
		if delErr := s.tokenRepo.DeleteByUserID(dbc, token.UserID); delErr != nil {
			s.log.Warn("failed to delete expired token", "user_id", token.UserID, "error", delErr)
		}
		return nil, errors.Join(faults.ErrUnauthorized, errors.New("refresh token expired"))
	}

	accessToken, expiresAt, err := s.generateAccessToken(token.UserID)
	if err != nil {
		return nil, fmt.Errorf("auth: sign access token: %w", err)
	}
	newRefresh := uuid.NewString()
	refreshExpiry := time.Now().Add(s.refreshTTL)
	if err := s.tokenRepo.RotateTokens(dbc, token.ID, accessToken, newRefresh, refreshExpiry); err != nil {
		return nil, faults.MapError("auth: rotate tokens", err)
	}
	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *authService) LogoutUser(dbc dbctx.Context) error {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return faults.ErrUnauthorized
	}
	if err := s.tokenRepo.DeleteByUserID(dbc, rd.UserID); err != nil {
		return fmt.Errorf("auth: logout: %w", err)
	}
	s.log.Info("user logged out", "user_id", rd.UserID)
	return nil
}

// SetContextFromToken verifies the bearer token and attaches the caller to
// the context. The token row must still exist so logout revokes access
// immediately, not at JWT expiry.
func (s *authService) SetContextFromToken(ctx context.Context, tokenString string) (context.Context, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tokenString), "Bearer "))
	if tokenString == "" {
		return ctx, errors.Join(faults.ErrUnauthorized, errors.New("missing access token"))
	}

	claims, err := s.parseAccessToken(tokenString)
	if err != nil {
		return ctx, errors.Join(faults.ErrUnauthorized, fmt.Errorf("invalid access token: %w", err))
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return ctx, errors.Join(faults.ErrUnauthorized, errors.New("invalid token subject"))
	}

	token, err := s.tokenRepo.GetByAccessToken(dbctx.Context{Ctx: ctx}, tokenString)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ctx, errors.Join(faults.ErrUnauthorized, errors.New("token revoked"))
		}
		return ctx, fmt.Errorf("auth: load access token: %w", err)
	}
	if token.UserID != userID {
		return ctx, errors.Join(faults.ErrUnauthorized, errors.New("token subject mismatch"))
	}

	return ctxutil.WithRequestData(ctx, &ctxutil.RequestData{
		TokenString:  tokenString,
		RefreshToken: token.RefreshToken,
		UserID:       userID,
	}), nil
}

func (s *authService) AccessTTL() time.Duration { return s.accessTTL }

func (s *authService) issueTokens(dbc dbctx.Context, userID uuid.UUID) (*TokenPair, error) {
	accessToken, expiresAt, err := s.generateAccessToken(userID)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refreshToken := uuid.NewString()
	if _, err := s.tokenRepo.Create(dbc, &types.UserToken{
		UserID:       userID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(s.refreshTTL),
	}); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *authService) generateAccessToken(userID uuid.UUID) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(s.accessTTL)
	claims := &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecretKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *authService) parseAccessToken(tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.jwtSecretKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

