// Package oauth provides periodic refresh scheduling for the single chat
// AuthMaterial row held in Store. It performs jittered checks and refreshes
// whenever the stored token's expiry falls within a configured window.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/clank-bot/clank/store"
)

// RefreshFunc performs the provider-specific refresh and returns the new
// access token, refresh token, and absolute expiry.
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, error)

// StartRefresher launches a goroutine that periodically checks the chat
// AuthMaterial row and refreshes it once its remaining lifetime falls within
// window. interval controls the check cadence and is jittered to avoid
// synchronized wakeups across replicas; window is used as given. Each
// refresh is preceded by a further random delay of up to 5 seconds.
func StartRefresher(ctx context.Context, st store.Store, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}

	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			jitterRange := int64(interval / 5)
			if jitterRange <= 0 {
				jitterRange = 1
			}
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}

			auth, ok, err := st.GetAuth(ctx)
			if err != nil {
				slog.Warn("auth material lookup failed", slog.Any("err", err))
				continue
			}
			if !ok || auth.RefreshToken == "" {
				continue
			}
			if time.Until(auth.ExpiresAt) > window {
				continue
			}

			//nolint:gosec // G404: math/rand is sufficient for jitter, not used for security
			pre := time.Duration(rand.Int63n(int64(5 * time.Second)))
			select {
			case <-ctx.Done():
				return
			case <-time.After(pre):
			}

			ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
			newAccess, newRefresh, newExpiry, err := fn(ctx2, auth.RefreshToken)
			cancel()
			if err != nil {
				slog.Warn("token refresh failed", slog.Any("err", err))
				continue
			}
			if newRefresh == "" {
				newRefresh = auth.RefreshToken
			}

			if err := st.PutAuth(ctx, store.AuthMaterial{
				AccessToken:  newAccess,
				RefreshToken: newRefresh,
				ExpiresAt:    newExpiry,
				BotUsername:  auth.BotUsername,
			}); err != nil {
				slog.Warn("token persist failed", slog.Any("err", err))
				continue
			}
			slog.Info("chat auth token refreshed")
		}
	}()
}
