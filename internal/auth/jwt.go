package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/escrow/internal/domain"
)

const (
	defaultRolesClaim = "roles"
	defaultClockSkew  = time.Minute
)

// Config задаёт параметры проверки HMAC-подписанных токенов.
type Config struct {
	HMACSecret string
	Issuer     string
	Audience   string
	RolesClaim string
	ClockSkew  time.Duration
}

// JWTAuthenticator проверяет bearer-токены и извлекает subject и роли.
type JWTAuthenticator struct {
	secret     []byte
	rolesClaim string
	parser     *jwt.Parser
	logger     *log.Entry
}

// NewJWTAuthenticator создаёт authenticator. Пустой секрет — ошибка конфигурации.
func NewJWTAuthenticator(cfg Config, logger *log.Entry) (*JWTAuthenticator, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return nil, errors.New("jwt secret is not configured")
	}
	if logger == nil {
		logger = log.WithField("component", "jwt-authenticator")
	}
	if cfg.RolesClaim == "" {
		cfg.RolesClaim = defaultRolesClaim
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = defaultClockSkew
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &JWTAuthenticator{
		secret:     []byte(secret),
		rolesClaim: cfg.RolesClaim,
		parser:     jwt.NewParser(opts...),
		logger:     logger,
	}, nil
}

// Authenticate проверяет подпись и claims. Любая ошибка сводится к ErrUnauthorized.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (domain.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Principal{}, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthorized)
	}

	claims := jwt.MapClaims{}
	parsed, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		a.logger.WithError(err).Debug("token validation failed")
		return domain.Principal{}, fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	}

	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return domain.Principal{}, fmt.Errorf("%w: token has no subject", domain.ErrUnauthorized)
	}

	return domain.Principal{
		Subject: subject,
		Roles:   extractRoles(claims, a.rolesClaim),
	}, nil
}

// ExtractBearer возвращает токен из заголовка Authorization или пустую строку.
func ExtractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func extractRoles(claims jwt.MapClaims, claim string) []string {
	raw, ok := claims[claim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

var _ domain.Authenticator = (*JWTAuthenticator)(nil)
