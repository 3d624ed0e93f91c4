package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fightpaperwork/appeals/internal/platform/apperr"
)

type contextKey string

const sessionKey contextKey = "session"

const sessionErrorKey = "session_error"

// Session is the authenticated state of a request: who is calling and which
// practice domain they logged into.
type Session struct {
	ID        string
	UserID    uuid.UUID
	DomainID  uuid.UUID // uuid.Nil when no domain was bound at login
	ExpiresAt time.Time
}

// HasDomain reports whether a domain was bound to the session at login.
func (s *Session) HasDomain() bool { return s != nil && s.DomainID != uuid.Nil }

type Claims struct {
	jwt.RegisteredClaims
	DomainID string `json:"domain_id,omitempty"`
}

type SessionConfig struct {
	SigningKey []byte
	TTL        time.Duration
	CookieName string
	Secure     bool
}

// SessionManager issues HS256-signed session tokens, delivered as an HttpOnly
// cookie, and checks them against a RevocationStore.
type SessionManager struct {
	cfg     SessionConfig
	revoked RevocationStore
	logger  zerolog.Logger
	now     func() time.Time
}

func NewSessionManager(cfg SessionConfig, revoked RevocationStore, logger zerolog.Logger) *SessionManager {
	if cfg.TTL <= 0 {
		cfg.TTL = 14 * 24 * time.Hour
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "appeals_session"
	}
	return &SessionManager{cfg: cfg, revoked: revoked, logger: logger, now: time.Now}
}

// Issue signs a new session token for the user bound to domainID.
func (m *SessionManager) Issue(userID, domainID uuid.UUID) (string, *Session, error) {
	now := m.now()
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		DomainID:  domainID,
		ExpiresAt: now.Add(m.cfg.TTL),
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.ID,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
	}
	if domainID != uuid.Nil {
		claims.DomainID = domainID.String()
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.SigningKey)
	if err != nil {
		return "", nil, fmt.Errorf("sign session: %w", err)
	}
	return token, s, nil
}

// Parse validates the signature and expiry of a session token and checks it
// has not been revoked.
func (m *SessionManager) Parse(ctx context.Context, token string) (*Session, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return m.cfg.SigningKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(m.now), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, apperr.Unauthenticated("invalid session")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, apperr.Unauthenticated("invalid session")
	}
	s := &Session{ID: claims.ID, UserID: userID, ExpiresAt: claims.ExpiresAt.Time}
	if claims.DomainID != "" {
		if s.DomainID, err = uuid.Parse(claims.DomainID); err != nil {
			return nil, apperr.Unauthenticated("invalid session")
		}
	}

	revoked, err := m.revoked.IsRevoked(ctx, s.ID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeUnauthenticated, "Authentication error")
	}
	if revoked {
		return nil, apperr.Unauthenticated("session has been logged out")
	}
	return s, nil
}

// Login issues a session and sets the cookie on the response.
func (m *SessionManager) Login(c echo.Context, userID, domainID uuid.UUID) (*Session, error) {
	token, s, err := m.Issue(userID, domainID)
	if err != nil {
		return nil, err
	}
	c.SetCookie(&http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return s, nil
}

// Logout revokes the request's session, if any, and clears the cookie.
func (m *SessionManager) Logout(c echo.Context) error {
	if s := SessionFromContext(c.Request().Context()); s != nil {
		if err := m.revoked.Revoke(c.Request().Context(), s.ID, s.ExpiresAt); err != nil {
			return err
		}
	}
	m.clearCookie(c)
	return nil
}

func (m *SessionManager) clearCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *SessionManager) tokenFrom(c echo.Context) string {
	if h := c.Request().Header.Get(echo.HeaderAuthorization); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := c.Cookie(m.cfg.CookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// Middleware loads the session from the cookie or a Bearer header when one
// is present. A token that is invalid, expired or logged out is dropped along
// with its cookie and the request continues anonymously. When the revocation
// lookup itself fails the error is kept for RequireSession, so only routes
// that need a session fail.
func (m *SessionManager) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := m.tokenFrom(c)
			if token == "" {
				return next(c)
			}

			s, err := m.Parse(c.Request().Context(), token)
			if err != nil {
				if errors.Unwrap(err) != nil {
					m.logger.Warn().Err(err).Msg("session revocation lookup failed")
					c.Set(sessionErrorKey, err)
				} else {
					m.clearCookie(c)
				}
				return next(c)
			}

			c.Set("user_id", s.UserID.String())
			c.SetRequest(c.Request().WithContext(WithSession(c.Request().Context(), s)))
			return next(c)
		}
	}
}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey).(*Session)
	return s
}

// RequireSession rejects anonymous requests with 401, or with the lookup
// error when the session could not be checked.
func RequireSession() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if SessionFromContext(c.Request().Context()) == nil {
				if err, ok := c.Get(sessionErrorKey).(error); ok {
					return err
				}
				return apperr.Unauthenticated("Authentication credentials were not provided")
			}
			return next(c)
		}
	}
}
