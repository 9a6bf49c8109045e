package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signChallenge(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

func TestAuthHandlerEnabled(t *testing.T) {
	assert.False(t, NewAuthHandler("").Enabled())
	assert.True(t, NewAuthHandler("secret-secret-yes").Enabled())
}

func TestVerifySecret(t *testing.T) {
	a := NewAuthHandler("0123456789abcdef")

	assert.True(t, a.VerifySecret("0123456789abcdef"))
	assert.False(t, a.VerifySecret("wrong"))
	assert.False(t, a.VerifySecret(""))

	// No secret configured means everything passes
	open := NewAuthHandler("")
	assert.True(t, open.VerifySecret("anything"))
}

func TestGenerateChallenge(t *testing.T) {
	a := NewAuthHandler("secret")

	c1, err := a.GenerateChallenge()
	require.NoError(t, err)
	c2, err := a.GenerateChallenge()
	require.NoError(t, err)

	assert.Len(t, c1, 64) // 32 bytes hex encoded
	assert.NotEqual(t, c1, c2)
}

func TestHandleAuthResponse(t *testing.T) {
	a := NewAuthHandler("0123456789abcdef")

	t.Run("valid signature authenticates", func(t *testing.T) {
		challenge, err := a.GenerateChallenge()
		require.NoError(t, err)
		client := &Client{ID: "c1", Challenge: challenge}

		result := a.HandleAuthResponse(client, signChallenge("0123456789abcdef", challenge))

		assert.True(t, result.Success)
		assert.True(t, client.Authenticated)
		assert.Empty(t, client.Challenge, "challenge is single-use")
	})

	t.Run("invalid signature fails and counts an attempt", func(t *testing.T) {
		challenge, err := a.GenerateChallenge()
		require.NoError(t, err)
		client := &Client{ID: "c2", Challenge: challenge}

		result := a.HandleAuthResponse(client, "bad-signature")

		assert.False(t, result.Success)
		assert.False(t, client.Authenticated)
		assert.Equal(t, 1, client.AuthAttempts)
	})

	t.Run("no challenge fails", func(t *testing.T) {
		client := &Client{ID: "c3"}
		result := a.HandleAuthResponse(client, "anything")
		assert.False(t, result.Success)
	})

	t.Run("third failure reports too many attempts", func(t *testing.T) {
		challenge, err := a.GenerateChallenge()
		require.NoError(t, err)
		client := &Client{ID: "c4", Challenge: challenge, AuthAttempts: 2}

		result := a.HandleAuthResponse(client, "bad-signature")

		assert.False(t, result.Success)
		assert.Equal(t, "Too many failed attempts", result.Message)
	})
}
