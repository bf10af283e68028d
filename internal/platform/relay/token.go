package relay

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/suptocoder/VitaCare/internal/platform/auth"
)

const (
	announceIssuer   = "vitacare"
	announceAudience = "relay-announce"
)

// AnnounceTokens mints and verifies short-lived HS256 tokens that bind a
// relay announcement to a user authenticated by the HTTP layer.
type AnnounceTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAnnounceTokens creates a token authority. ttl <= 0 falls back to one
// minute.
func NewAnnounceTokens(secret []byte, ttl time.Duration) *AnnounceTokens {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &AnnounceTokens{secret: secret, ttl: ttl, now: time.Now}
}

// Mint returns a token asserting userID, valid until the returned time.
func (a *AnnounceTokens) Mint(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("user id is required")
	}
	now := a.now()
	exp := now.Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    announceIssuer,
		Audience:  jwt.ClaimStrings{announceAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign announce token: %w", err)
	}
	return signed, exp, nil
}

// Verify implements AnnounceVerifier.
func (a *AnnounceTokens) Verify(token string) (string, error) {
	if token == "" {
		return "", errors.New("missing announce token")
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(announceIssuer),
		jwt.WithAudience(announceAudience),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("invalid announce token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("announce token has no subject")
	}
	return claims.Subject, nil
}

// TokenResponse is returned by the announce token endpoint.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenHandler mints an announce token for the authenticated caller.
func TokenHandler(tokens *AnnounceTokens) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := auth.UserIDFromContext(c.Request().Context())
		if userID == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}
		token, exp, err := tokens.Mint(userID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to mint announce token")
		}
		return c.JSON(http.StatusOK, TokenResponse{Token: token, ExpiresAt: exp})
	}
}
