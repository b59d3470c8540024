package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// NewJWKSKeyfunc fetches the identity provider's JWKS and returns a
// jwt.Keyfunc backed by it, plus a close function stopping the refresh
// goroutine. The provider may still be starting, so fetching retries.
func NewJWKSKeyfunc(ctx context.Context, jwksURL string) (jwt.Keyfunc, func(), error) {
	slog.Info("Initializing JWKS validator", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 ctx,
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for JWKS endpoint", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch JWKS after retries: %w", err)
	}

	slog.Info("JWKS loaded", "jwks_url", jwksURL)
	return jwks.Keyfunc, jwks.EndBackground, nil
}
