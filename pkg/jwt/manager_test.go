package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParse(t *testing.T) {
	m := NewManager("s3cret")
	tok, err := m.Generate("jti-1", "alice", time.Minute)
	require.NoError(t, err)

	claims, err := m.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "jti-1", claims.Id)
}

func TestParseRejectsWrongSecretAndExpired(t *testing.T) {
	tok, err := NewManager("a").Generate("j", "alice", time.Minute)
	require.NoError(t, err)
	_, err = NewManager("b").Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := NewManager("a").Generate("j", "alice", -time.Minute)
	require.NoError(t, err)
	_, err = NewManager("a").Parse(expired)
	assert.ErrorIs(t, err, ErrTokenExpired)
}
