// Package auth verifies HS256 bearer tokens and carries the caller's
// identity through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("operation not permitted")

	errNoCredentials = fmt.Errorf("%w: no credentials", ErrUnauthenticated)
)

type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleJudge   Role = "JUDGE"
	RoleAthlete Role = "ATHLETE"
)

// Identity is the authenticated caller. UserID is the athlete ID for
// athletes.
type Identity struct {
	UserID int64
	Role   Role
}

// Officials may drive the lifecycle and submit shots for any athlete.
func (id Identity) Official() bool {
	return id.Role == RoleAdmin || id.Role == RoleJudge
}

// CanSubmitFor reports whether id may submit a shot on behalf of athleteID.
func (id Identity) CanSubmitFor(athleteID int64) bool {
	if id.Official() {
		return true
	}
	return id.Role == RoleAthlete && id.UserID == athleteID
}

type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks tokens signed with a shared secret. A Verifier with an
// empty secret is disabled and treats every caller as an administrator.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func (v *Verifier) Verify(token string) (Identity, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return Identity{}, fmt.Errorf("%w: bad subject %q", ErrUnauthenticated, claims.Subject)
	}
	if !slices.Contains([]Role{RoleAdmin, RoleJudge, RoleAthlete}, claims.Role) {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, claims.Role)
	}
	return Identity{UserID: userID, Role: claims.Role}, nil
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Authenticate resolves the caller from the Authorization header or, for
// browser websockets, the token query parameter.
func (v *Verifier) Authenticate(r *http.Request) (Identity, error) {
	if !v.Enabled() {
		return Identity{Role: RoleAdmin}, nil
	}
	token := bearer(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return Identity{}, errNoCredentials
	}
	return v.Verify(token)
}

// Optional attaches the identity when one is presented. Requests without
// credentials pass through anonymous; bad credentials go to fail.
func (v *Verifier) Optional(fail func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := v.Authenticate(r)
			switch {
			case err == nil:
				r = r.WithContext(WithIdentity(r.Context(), id))
			case errors.Is(err, errNoCredentials):
			default:
				fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// RequireOfficial fails unless ctx carries an ADMIN or JUDGE identity.
func RequireOfficial(ctx context.Context) error {
	id, ok := FromContext(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if !id.Official() {
		return ErrForbidden
	}
	return nil
}

// RequireSubmitter fails unless ctx may submit shots for athleteID.
func RequireSubmitter(ctx context.Context, athleteID int64) error {
	id, ok := FromContext(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if !id.CanSubmitFor(athleteID) {
		return ErrForbidden
	}
	return nil
}
