package mockserver

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuer_RoundTrip(t *testing.T) {
	ti := NewTokenIssuer(testSecret, time.Hour)
	sess := ti.NewSession("s-1", "u-1", time.Now().UTC())
	assert.Equal(t, time.Hour, sess.ExpiresAt.Sub(sess.CreatedAt))

	token, err := ti.Issue(sess)
	require.NoError(t, err)

	sessionID, userID, err := ti.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "s-1", sessionID)
	assert.Equal(t, "u-1", userID)
}

func TestTokenIssuer_Rejects(t *testing.T) {
	ti := NewTokenIssuer(testSecret, time.Hour)

	expired := ti.NewSession("s-1", "u-1", time.Now().Add(-2*time.Hour))
	token, err := ti.Issue(expired)
	require.NoError(t, err)
	_, _, err = ti.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewTokenIssuer("another-secret-value", time.Hour)
	token, err = other.Issue(other.NewSession("s-2", "u-2", time.Now()))
	require.NoError(t, err)
	_, _, err = ti.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{ID: "s", Subject: "u"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, _, err = ti.Parse(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = ti.Parse("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
