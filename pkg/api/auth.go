package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	adminRole       = "admin"
	defaultTokenTTL = 8 * time.Hour
	tokenIssuer     = "llm-key-requestor"
)

var errAuthNotConfigured = errors.New("admin authentication not configured")

// AdminClaims are the JWT claims accepted on admin routes.
type AdminClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// AdminAuth checks admin credentials: HTTP Basic against a bcrypt hash, or a
// Bearer HS256 token carrying the admin role. Either method is disabled when
// its secret is empty; with both disabled every admin call is rejected.
type AdminAuth struct {
	Username     string
	PasswordHash string
	JWTSecret    []byte
	TokenTTL     time.Duration
	now          func() time.Time
}

type adminKey struct{}

func withAdmin(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, adminKey{}, subject)
}

// AdminFromContext returns the authenticated admin subject.
func AdminFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(adminKey{}).(string)
	return s, ok
}

func (a *AdminAuth) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

func (a *AdminAuth) enabled() bool {
	return a != nil && (a.PasswordHash != "" || len(a.JWTSecret) > 0)
}

// Authenticate returns the admin subject for the Authorization header value.
func (a *AdminAuth) Authenticate(header string) (string, error) {
	if !a.enabled() {
		return "", errAuthNotConfigured
	}
	scheme, credentials, ok := strings.Cut(header, " ")
	if !ok {
		return "", errors.New("invalid Authorization header format")
	}
	switch strings.ToLower(scheme) {
	case "basic":
		return a.checkBasic(credentials)
	case "bearer":
		return a.checkBearer(strings.TrimSpace(credentials))
	default:
		return "", fmt.Errorf("unsupported authorization scheme %q", scheme)
	}
}

func (a *AdminAuth) checkBasic(encoded string) (string, error) {
	if a.PasswordHash == "" {
		return "", errors.New("basic authentication disabled")
	}
	// Reuse the stdlib parser by handing it a synthetic request.
	req := &http.Request{Header: http.Header{"Authorization": {"Basic " + encoded}}}
	user, password, ok := req.BasicAuth()
	if !ok {
		return "", errors.New("malformed basic credentials")
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.Username)) == 1
	passErr := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password))
	if !userOK || passErr != nil {
		return "", errors.New("invalid credentials")
	}
	return user, nil
}

func (a *AdminAuth) checkBearer(token string) (string, error) {
	if len(a.JWTSecret) == 0 {
		return "", errors.New("token authentication disabled")
	}
	claims := &AdminClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return a.JWTSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return "", fmt.Errorf("token validation failed: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("token subject is required")
	}
	if !slices.Contains(claims.Roles, adminRole) {
		return "", errors.New("token lacks the admin role")
	}
	return claims.Subject, nil
}

// IssueToken signs an admin token for subject. It fails when token
// authentication is disabled.
func (a *AdminAuth) IssueToken(subject string) (string, time.Time, error) {
	if a == nil || len(a.JWTSecret) == 0 {
		return "", time.Time{}, errors.New("token authentication disabled")
	}
	ttl := a.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := a.clock()
	expires := now.Add(ttl)
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Roles: []string{adminRole},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.JWTSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign admin token: %w", err)
	}
	return signed, expires, nil
}

// Middleware rejects unauthenticated admin calls (fail closed).
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeUnauthorized(w, r, "Missing Authorization header")
			return
		}
		subject, err := a.Authenticate(header)
		if errors.Is(err, errAuthNotConfigured) {
			writeUnauthorized(w, r, "Authentication not configured")
			return
		}
		if err != nil {
			writeUnauthorized(w, r, "Invalid credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(withAdmin(r.Context(), subject)))
	})
}
