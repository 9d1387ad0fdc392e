// Package libauth mints and verifies the identity tokens carried by the
// realtime transport handshake.
package libauth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenMissing            = errors.New("libauth: token missing")
	ErrTokenExpired            = errors.New("libauth: token expired")
	ErrTokenParsingFailed      = errors.New("libauth: token parsing failed")
	ErrTokenSigningFailed      = errors.New("libauth: token signing failed")
	ErrInvalidTokenClaims      = errors.New("libauth: invalid token claims")
	ErrIdentityMissing         = errors.New("libauth: identity missing")
	ErrUnexpectedSigningMethod = errors.New("libauth: unexpected signing method")
)

// Identity is the authenticated principal behind a client session.
// UserID 0 means "no identity": network operations must refuse to run.
type Identity struct {
	UserID   int64
	DeviceID string
}

// Valid reports whether the identity can authenticate network calls.
func (id Identity) Valid() bool {
	return id.UserID > 0
}

// CreateToken mints an HMAC-signed token for the identity. The transport
// resends it on every (re)connection handshake.
func CreateToken(secret []byte, id Identity, ttl time.Duration) (string, error) {
	if !id.Valid() {
		return "", ErrIdentityMissing
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":    strconv.FormatInt(id.UserID, 10),
		"device": id.DeviceID,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenSigningFailed, err)
	}
	return token, nil
}

// VerifyToken validates the signature and expiry and returns the identity.
func VerifyToken(secret []byte, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrTokenMissing
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedSigningMethod, t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, fmt.Errorf("%w: %w", ErrTokenParsingFailed, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidTokenClaims
	}
	sub, _ := claims["sub"].(string)
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || userID <= 0 {
		return Identity{}, ErrIdentityMissing
	}
	device, _ := claims["device"].(string)
	return Identity{UserID: userID, DeviceID: device}, nil
}
