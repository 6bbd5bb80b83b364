// Package credential supplies bearer tokens for the task stream and the
// history endpoint. Acquisition failures are returned to the caller; nothing
// here retries.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoCredential means no token is configured at all.
	ErrNoCredential = errors.New("no credential available")
	// ErrInteractionRequired means the token exists but the user must
	// re-authenticate before it can be used.
	ErrInteractionRequired = errors.New("credential requires interactive re-authentication")
)

type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context) (string, error)

func (f Func) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

type Static struct {
	token string
	now   func() time.Time
}

func NewStatic(token string) *Static {
	return &Static{token: strings.TrimSpace(token), now: time.Now}
}

func (s *Static) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.token == "" {
		return "", ErrNoCredential
	}
	if err := CheckExpiry(s.token, s.now()); err != nil {
		return "", err
	}
	return s.token, nil
}

// File reads the token from disk on every call so an external login helper
// can rotate it without restarting the process.
type File struct {
	path string
	now  func() time.Time
}

func NewFile(path string) *File {
	return &File{path: strings.TrimSpace(path), now: time.Now}
}

func (f *File) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.path == "" {
		return "", ErrNoCredential
	}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("read token file %s: %w", f.path, ErrNoCredential)
		}
		return "", fmt.Errorf("read token file %s: %w", f.path, err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty: %w", f.path, ErrNoCredential)
	}
	if err := CheckExpiry(token, f.now()); err != nil {
		return "", err
	}
	return token, nil
}

// CheckExpiry inspects the exp claim of a JWT without verifying its
// signature. Tokens that do not parse as JWTs are treated as opaque and pass.
func CheckExpiry(token string, now time.Time) error {
	if strings.Count(token, ".") != 2 {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !now.Before(exp.Time) {
		return fmt.Errorf("token expired at %s: %w", exp.Time.UTC().Format(time.RFC3339), ErrInteractionRequired)
	}
	return nil
}

// FromConfig picks a file provider when a path is set, otherwise a static
// token.
func FromConfig(token, tokenFile string) Provider {
	if strings.TrimSpace(tokenFile) != "" {
		return NewFile(tokenFile)
	}
	return NewStatic(token)
}
