// Package identity issues and verifies the gateway's access tokens. A token is
// an HS256 JWT whose jti points at a UserSession row, so revoking the row
// revokes the token.
package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"recapflow/api-gateway/config"
	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/models"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInactive     = errors.New("account is inactive")
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID   uuid.UUID
	TenantID uuid.UUID
	Roles    []string
	TokenID  string
}

func (p *Principal) IsAdmin() bool {
	return slices.Contains(p.Roles, models.RoleAdmin)
}

// Claims are the JWT claims carried by an access token.
type Claims struct {
	TenantID string   `json:"tid"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// SessionMeta describes the client a token is issued to.
type SessionMeta struct {
	UserAgent string
	IPAddress string
}

// Service issues tokens backed by user sessions and authenticates them.
type Service struct {
	store  *store.Store
	secret []byte
	issuer string
	ttl    time.Duration
	log    *logrus.Logger
	now    func() time.Time
}

func NewService(st *store.Store, cfg *config.Config, log *logrus.Logger) *Service {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{
		store:  st,
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.JWTIssuer,
		ttl:    ttl,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// IssueToken opens a session for user and returns its signed token.
func (s *Service) IssueToken(ctx context.Context, user *models.User, meta SessionMeta) (string, *models.UserSession, error) {
	if !user.IsActive {
		return "", nil, ErrInactive
	}
	now := s.now()
	sess := &models.UserSession{
		UserID:    user.ID,
		TenantID:  user.TenantID,
		TokenID:   uuid.NewString(),
		ExpiresAt: now.Add(s.ttl),
	}
	if meta.UserAgent != "" {
		sess.UserAgent = &meta.UserAgent
	}
	if meta.IPAddress != "" {
		sess.IPAddress = &meta.IPAddress
	}

	claims := Claims{
		TenantID: user.TenantID.String(),
		Roles:    []string(user.Roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    s.issuer,
			ID:        sess.TokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return "", nil, err
	}
	if err := s.store.TouchUserLogin(ctx, user.ID, now); err != nil {
		s.log.WithError(err).WithField("user_id", user.ID).Warn("Failed to record login time")
	}
	return signed, sess, nil
}

// Authenticate verifies token and its session and returns the caller.
func (s *Service) Authenticate(ctx context.Context, token string) (*Principal, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrUnauthorized)
	}
	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad tenant", ErrUnauthorized)
	}

	sess, err := s.store.GetSessionByTokenID(ctx, claims.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown session", ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !sess.Active(now) || sess.UserID != userID || sess.TenantID != tenantID {
		return nil, fmt.Errorf("%w: session is not active", ErrUnauthorized)
	}

	user, err := s.store.GetUser(ctx, tenantID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown user", ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive || !tenant.IsActive {
		return nil, ErrInactive
	}

	if err := s.store.TouchSession(ctx, sess.ID, now); err != nil {
		s.log.WithError(err).WithField("session_id", sess.ID).Debug("Failed to touch session")
	}
	// Roles come from the user row so a demotion applies to live tokens.
	return &Principal{
		UserID:   user.ID,
		TenantID: tenantID,
		Roles:    []string(user.Roles),
		TokenID:  sess.TokenID,
	}, nil
}

// Revoke ends the session behind tokenID.
func (s *Service) Revoke(ctx context.Context, tokenID string) error {
	return s.store.RevokeSession(ctx, tokenID, s.now())
}

func (s *Service) parse(token string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: token has no id", ErrUnauthorized)
	}
	return claims, nil
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
