package libauth_test

import (
	"testing"
	"time"

	"github.com/lipeng1667/HomeAssistantPro-sub000/libauth"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func TestCreateAndVerifyToken(t *testing.T) {
	id := libauth.Identity{UserID: 42, DeviceID: "device-a"}

	token, err := libauth.CreateToken(secret, id, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, err := libauth.VerifyToken(secret, token)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestCreateToken_MissingIdentity(t *testing.T) {
	_, err := libauth.CreateToken(secret, libauth.Identity{}, time.Hour)
	require.ErrorIs(t, err, libauth.ErrIdentityMissing)
}

func TestVerifyToken_Expired(t *testing.T) {
	token, err := libauth.CreateToken(secret, libauth.Identity{UserID: 7}, -time.Minute)
	require.NoError(t, err)

	_, err = libauth.VerifyToken(secret, token)
	require.ErrorIs(t, err, libauth.ErrTokenExpired)
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	token, err := libauth.CreateToken(secret, libauth.Identity{UserID: 7}, time.Hour)
	require.NoError(t, err)

	_, err = libauth.VerifyToken([]byte("other-secret"), token)
	require.ErrorIs(t, err, libauth.ErrTokenParsingFailed)
}

func TestVerifyToken_Empty(t *testing.T) {
	_, err := libauth.VerifyToken(secret, "")
	require.ErrorIs(t, err, libauth.ErrTokenMissing)
}
