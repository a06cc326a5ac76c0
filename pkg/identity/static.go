package identity

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/powerdaemon/powerdaemon/pkg/config"
	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
)

// Static authenticates against the user set from the configuration file
// and issues HS256 JWTs. It is the only provider the daemon ships;
// deployments with a real directory put a token-issuing proxy in front.
type Static struct {
	users    map[string]config.UserConfig
	secret   []byte
	tokenTTL time.Duration
}

// NewStatic builds a provider from the identity configuration.
func NewStatic(cfg config.IdentityConfig) *Static {
	users := make(map[string]config.UserConfig, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = u
	}
	return &Static{
		users:    users,
		secret:   []byte(cfg.JWTSecret),
		tokenTTL: cfg.TokenTTL(),
	}
}

type claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// dummyHash is compared against for unknown usernames so the unknown-user
// and wrong-password paths both pay a full bcrypt verification.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("powerdaemon-no-such-user"), bcrypt.DefaultCost)

func (s *Static) Authenticate(ctx context.Context, username, password string) (*AuthResult, error) {
	u, ok := s.users[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, errdefs.PermissionDeniedf("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, errdefs.PermissionDeniedf("invalid credentials")
	}

	expires := time.Now().Add(s.tokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Roles: u.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Username,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expires),
			Issuer:    "powerdaemon",
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, errdefs.Internalf("signing token: %v", err)
	}
	return &AuthResult{
		User:      &User{ID: u.Username, Roles: u.Roles},
		Token:     signed,
		ExpiresAt: expires,
	}, nil
}

func (s *Static) Verify(ctx context.Context, token string) (*User, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errdefs.PermissionDeniedf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, errdefs.PermissionDeniedf("invalid token")
	}
	return &User{ID: c.Subject, Roles: c.Roles}, nil
}

func (s *Static) HasPermission(ctx context.Context, userID, permission string) (bool, error) {
	u, ok := s.users[userID]
	if !ok {
		return false, nil
	}
	return RoleGrants(u.Roles, permission), nil
}

func (s *Static) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, errdefs.NotFoundf("user not found: %s", userID)
	}
	return u.Roles, nil
}

// Anonymous grants everything to a fixed principal. It backs lab and
// single-operator setups where identity.enabled is false.
type Anonymous struct{}

// AnonymousUserID is the principal every request runs as when identity
// is disabled.
const AnonymousUserID = "admin"

func NewAnonymous() *Anonymous { return &Anonymous{} }

func (a *Anonymous) Authenticate(ctx context.Context, username, password string) (*AuthResult, error) {
	return &AuthResult{User: &User{ID: AnonymousUserID, Roles: []string{RoleAdmin}}}, nil
}

func (a *Anonymous) Verify(ctx context.Context, token string) (*User, error) {
	return &User{ID: AnonymousUserID, Roles: []string{RoleAdmin}}, nil
}

func (a *Anonymous) HasPermission(ctx context.Context, userID, permission string) (bool, error) {
	return true, nil
}

func (a *Anonymous) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	return []string{RoleAdmin}, nil
}
