package credential

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestStaticReturnsToken(t *testing.T) {
	tok, err := NewStatic("  opaque-token ").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", tok)
}

func TestStaticEmpty(t *testing.T) {
	_, err := NewStatic("").Token(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestExpiredJWTRequiresInteraction(t *testing.T) {
	p := NewStatic(signed(t, time.Now().Add(-time.Minute)))
	_, err := p.Token(context.Background())
	assert.ErrorIs(t, err, ErrInteractionRequired)
}

func TestValidJWTPasses(t *testing.T) {
	tok := signed(t, time.Now().Add(time.Hour))
	got, err := NewStatic(tok).Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok, got)
}

func TestFileRereadsOnEveryCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))
	p := NewFile(path)

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", tok)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	tok, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", tok)
}

func TestFileMissing(t *testing.T) {
	_, err := NewFile(filepath.Join(t.TempDir(), "absent")).Token(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStatic("x").Token(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFromConfigPrefersFile(t *testing.T) {
	_, ok := FromConfig("tok", "/tmp/token").(*File)
	assert.True(t, ok)
	_, ok = FromConfig("tok", "").(*Static)
	assert.True(t, ok)
}
