package widget

import (
	"context"
	"log/slog"

	"github.com/ashureev/chatbubble/internal/domain"
	"github.com/ashureev/chatbubble/internal/store"
)

// LoginListener lets the host page sync its own auth state whenever the
// widget acquires credentials. expiresIn is in seconds, 0 when unknown.
type LoginListener func(token, refreshToken string, expiresIn int64)

// tokens caches the visitor's credentials and mirrors them to the store.
type tokens struct {
	kv     store.Store
	logger *slog.Logger
	creds  domain.Credentials
}

func loadTokens(ctx context.Context, kv store.Store, logger *slog.Logger) *tokens {
	t := &tokens{kv: kv, logger: logger}

	access, ok, err := kv.Get(ctx, store.KeyAccessToken)
	if err != nil {
		logger.Warn("failed to read access token, continuing unauthenticated", "error", err)
		return t
	}
	if !ok || access == "" {
		return t
	}

	refresh, hasRefresh, err := kv.Get(ctx, store.KeyRefreshToken)
	if err != nil {
		logger.Warn("failed to read refresh token, continuing unauthenticated", "error", err)
		return t
	}
	if !hasRefresh || refresh == "" {
		logger.Warn("access token stored without refresh token, clearing both")
		t.clear(ctx)
		return t
	}

	t.creds = domain.Credentials{AccessToken: access, RefreshToken: refresh}
	return t
}

func (t *tokens) save(ctx context.Context, creds domain.Credentials) {
	t.creds = creds
	if err := t.kv.Set(ctx, store.KeyAccessToken, creds.AccessToken); err != nil {
		t.logger.Warn("failed to persist access token", "error", err)
		return
	}
	if err := t.kv.Set(ctx, store.KeyRefreshToken, creds.RefreshToken); err != nil {
		t.logger.Warn("failed to persist refresh token, dropping stored access token", "error", err)
		if rmErr := t.kv.Remove(ctx, store.KeyAccessToken); rmErr != nil {
			t.logger.Warn("failed to remove access token", "error", rmErr)
		}
	}
}

// clear forgets both tokens. The in-memory copy is cleared even when the
// store cannot be written.
func (t *tokens) clear(ctx context.Context) {
	t.creds = domain.Credentials{}
	for _, key := range []string{store.KeyAccessToken, store.KeyRefreshToken} {
		if err := t.kv.Remove(ctx, key); err != nil {
			t.logger.Warn("failed to remove credential", "key", key, "error", err)
		}
	}
}

func (t *tokens) accessToken() string {
	return t.creds.AccessToken
}
