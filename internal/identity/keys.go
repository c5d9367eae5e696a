package identity

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mr-tron/base58"
)

// ParsePrivateKey はサービスアカウントのPEM形式の秘密鍵を解析する。
// PKCS#1とPKCS#8の両方を受け付ける。
func ParsePrivateKey(pemKey string) (*rsa.PrivateKey, error) {
	if pemKey == "" {
		return nil, fmt.Errorf("private key is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pemKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// KeyFingerprint は公開鍵のフィンガープリントを返す。
// PKIX DERのSHA-256をbase58でエンコードしたもので、起動ログでどの鍵が使われているかを確認するのに使う。
func KeyFingerprint(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return base58.Encode(sum[:]), nil
}
