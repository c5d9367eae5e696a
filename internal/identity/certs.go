package identity

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// defaultCertTTL はCache-Controlヘッダが無い場合の公開鍵キャッシュ期間。
const defaultCertTTL = time.Hour

// certCache はIDプロバイダが公開するX.509証明書（kid→PEM）を取得してキャッシュする。
// キャッシュ期間はレスポンスのCache-Control max-ageに従う。
type certCache struct {
	url        string
	httpClient *http.Client
	now        func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

func newCertCache(url string, httpClient *http.Client, now func() time.Time) *certCache {
	return &certCache{
		url:        url,
		httpClient: httpClient,
		now:        now,
	}
}

// key は指定kidの公開鍵を返す。キャッシュが期限切れまたは該当kidが無い場合は再取得する。
// 取得に失敗した場合はErrUnavailableをラップしたエラーを返す。
func (c *certCache) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	if c.now().Before(c.expiresAt) {
		if key, ok := c.keys[kid]; ok {
			c.mu.RUnlock()
			return key, nil
		}
	}
	c.mu.RUnlock()

	keys, err := c.refresh(ctx)
	if err != nil {
		return nil, err
	}

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: unknown key id %q", ErrInvalid, kid)
	}
	return key, nil
}

// refresh は証明書を取得してキャッシュを置き換える。
func (c *certCache) refresh(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create certs request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch certs: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: certs request failed: %s", ErrUnavailable, resp.Status)
	}

	var certs map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&certs); err != nil {
		return nil, fmt.Errorf("%w: failed to decode certs: %v", ErrUnavailable, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(certs))
	for kid, pemCert := range certs {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemCert))
		if err != nil {
			slog.Warn("failed to parse provider certificate",
				slog.String("kid", kid),
				slog.String("error", err.Error()),
			)
			continue
		}
		keys[kid] = key
	}

	c.mu.Lock()
	c.keys = keys
	c.expiresAt = c.now().Add(maxAge(resp.Header.Get("Cache-Control")))
	c.mu.Unlock()

	slog.Debug("provider certificates refreshed",
		slog.String("url", c.url),
		slog.Int("keys", len(keys)),
	)

	return keys, nil
}

// maxAge はCache-Controlヘッダからmax-ageを取り出す。無い場合は既定値を返す。
func maxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		v, ok := strings.CutPrefix(directive, "max-age=")
		if !ok {
			continue
		}
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds <= 0 {
			break
		}
		return time.Duration(seconds) * time.Second
	}
	return defaultCertTTL
}
