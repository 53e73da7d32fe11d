package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken    = errors.New("authentication required")
	ErrInvalidToken    = errors.New("invalid token")
	ErrInvalidProject  = errors.New("invalid project id")
	ErrProjectNotFound = errors.New("project not found")
)

// AuthError is a rejected room handshake. Kind is one of the sentinel
// errors above so callers can match with errors.Is.
type AuthError struct {
	Kind error
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

func (e *AuthError) Unwrap() error { return e.Kind }

// Status maps the rejection to the HTTP status returned before upgrade.
func (e *AuthError) Status() int {
	switch e.Kind {
	case ErrInvalidProject:
		return http.StatusBadRequest
	case ErrProjectNotFound:
		return http.StatusNotFound
	default:
		return http.StatusUnauthorized
	}
}

// Identity is the validated user behind a connection.
type Identity struct {
	UserID string
	Email  string
}

// Authenticator validates room handshakes against the project store and
// the JWT secret.
type Authenticator struct {
	Store  *RelayStore
	Secret []byte
}

// Authenticate checks, in order: project id format, project existence,
// token presence, token validity.
func (a *Authenticator) Authenticate(ctx context.Context, token, projectID string) (*Identity, *Project, error) {
	if _, err := uuid.Parse(projectID); err != nil {
		return nil, nil, &AuthError{Kind: ErrInvalidProject, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	proj, err := a.Store.GetProject(projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup project: %w", err)
	}
	if proj == nil {
		return nil, nil, &AuthError{Kind: ErrProjectNotFound}
	}
	if token == "" {
		return nil, nil, &AuthError{Kind: ErrMissingToken}
	}
	id, err := a.Verify(token)
	if err != nil {
		return nil, nil, err
	}
	return id, proj, nil
}

// Verify validates a bearer token without a project.
func (a *Authenticator) Verify(token string) (*Identity, error) {
	if token == "" {
		return nil, &AuthError{Kind: ErrMissingToken}
	}
	claims, err := ValidateToken(a.Secret, token)
	if err != nil {
		return nil, &AuthError{Kind: ErrInvalidToken, Err: err}
	}
	return &Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// tokenFromRequest reads the token from the query string or the
// Authorization header.
func tokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return bearerToken(r)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(t)
	}
	return ""
}

func hashPassword(pw string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

func checkPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}
