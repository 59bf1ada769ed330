package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// adminTokenTTL keeps issued admin tokens short-lived; clients re-exchange
// the admin key when one expires.
const adminTokenTTL = 15 * time.Minute

var ErrInvalidToken = errors.New("invalid or expired token")

// Admin guards the destructive and secret-adjacent operations: reset,
// credential CRUD and tracking-token minting. A single configured admin key
// is exchanged for a short-lived JWT.
type Admin struct {
	adminKeyHash string
	jwtSecret    []byte
}

// NewAdmin creates the admin authenticator. An empty admin key disables
// admin operations entirely rather than leaving them open.
func NewAdmin(adminKey string, jwtSecret []byte) *Admin {
	a := &Admin{jwtSecret: jwtSecret}
	if adminKey != "" {
		a.adminKeyHash = HashKey(adminKey)
	}
	return a
}

// HashKey returns the SHA-256 hex digest of a key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Enabled reports whether an admin key is configured.
func (a *Admin) Enabled() bool {
	return a.adminKeyHash != ""
}

// Exchange validates the presented admin key and issues a short-lived JWT.
func (a *Admin) Exchange(adminKey string) (string, int64, error) {
	if !a.Enabled() {
		return "", 0, errors.New("admin operations are not configured")
	}
	presented := HashKey(adminKey)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(a.adminKeyHash)) != 1 {
		return "", 0, errors.New("invalid admin key")
	}

	expiresAt := time.Now().Add(adminTokenTTL).Unix()
	claims := jwt.MapClaims{
		"sub": "admin",
		"exp": expiresAt,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(a.jwtSecret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate verifies an issued admin JWT.
func (a *Admin) Validate(tokenString string) error {
	if !a.Enabled() {
		return errors.New("admin operations are not configured")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
