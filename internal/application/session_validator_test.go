package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/IM/services/realtime_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/realtime_service/pkg/jwt"
)

type fakeBlacklist map[string]bool

func (b fakeBlacklist) IsRevoked(_ context.Context, jti string) (bool, error) {
	return b[jti], nil
}

func TestSessionValidator(t *testing.T) {
	tokens := jwt.NewManager("secret")
	dir := fakeDirectory{
		"alice": {ID: "alice", Status: entity.AccountStatusActive},
		"bob":   {ID: "bob", Status: entity.AccountStatusDisabled},
	}
	v := NewSessionValidator(tokens, fakeBlacklist{"revoked-jti": true}, dir, false)

	mint := func(jti, sub string, ttl time.Duration) string {
		tok, err := tokens.Generate(jti, sub, ttl)
		require.NoError(t, err)
		return tok
	}

	cases := []struct {
		name   string
		token  string
		userID string
		want   error
	}{
		{"valid", mint("j1", "alice", time.Hour), "alice", nil},
		{"identity mismatch", mint("j2", "alice", time.Hour), "mallory", ErrIdentityMismatch},
		{"revoked", mint("revoked-jti", "alice", time.Hour), "alice", ErrTokenRevoked},
		{"expired", mint("j3", "alice", -time.Minute), "alice", ErrTokenExpired},
		{"disabled account", mint("j4", "bob", time.Hour), "bob", ErrAccountDisabled},
		{"unknown account", mint("j5", "ghost", time.Hour), "ghost", ErrAccountDisabled},
		{"garbage", "not-a-jwt", "alice", ErrInvalidToken},
		{"missing token", "", "alice", ErrInvalidToken},
		{"missing user", mint("j6", "alice", time.Hour), "", ErrUnauthenticated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Authenticate(context.Background(), tc.token, tc.userID)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSessionValidatorAnonymous(t *testing.T) {
	v := NewSessionValidator(jwt.NewManager("secret"), nil, nil, true)
	assert.NoError(t, v.Authenticate(context.Background(), "", "alice"))
	assert.ErrorIs(t, v.Authenticate(context.Background(), "", ""), ErrUnauthenticated)
}

func TestAuthFailureReason(t *testing.T) {
	assert.Equal(t, "token_revoked", AuthFailureReason(ErrTokenRevoked))
	assert.Equal(t, "invalid_token", AuthFailureReason(ErrInvalidToken))
	assert.Equal(t, "internal", AuthFailureReason(assert.AnError))
}
