package models

import (
	"strings"
	"time"
)

// Credential is a stored provider API key or tracking token. The secret is
// held only as ciphertext; plaintext exists transiently inside the vault.
// SecretMask is computed once at creation so listing never needs the key.
type Credential struct {
	ID         string     `db:"id" json:"id"`
	Label      string     `db:"label" json:"label"`
	SecretEnc  string     `db:"secret_enc" json:"-"`
	SecretHash string     `db:"secret_hash" json:"-"`
	SecretMask string     `db:"secret_mask" json:"-"`
	Active     bool       `db:"active" json:"active"`
	CreatedAt  time.Time  `db:"-" json:"created_at"`
	LastOKAt   *time.Time `db:"-" json:"last_ok_at,omitempty"`
}

// MaskedCredential is the display form of a credential. The full secret is
// never exposed over this boundary.
type MaskedCredential struct {
	ID           string     `json:"id"`
	Label        string     `json:"label"`
	MaskedSecret string     `json:"masked_secret"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastOKAt     *time.Time `json:"last_ok_at,omitempty"`
}

// Masked returns the display form of c.
func (c *Credential) Masked() MaskedCredential {
	return MaskedCredential{
		ID:           c.ID,
		Label:        c.Label,
		MaskedSecret: c.SecretMask,
		Active:       c.Active,
		CreatedAt:    c.CreatedAt,
		LastOKAt:     c.LastOKAt,
	}
}

const (
	maskKeepPrefix  = 4
	maskKeepSuffix  = 4
	maskPlaceholder = "..."
	maskAll         = "********"
)

// MaskSecret reveals only a fixed 4-character prefix and suffix. Secrets too
// short for the window are masked entirely, so the mask never leaks the true
// length beyond "shorter than the window".
func MaskSecret(secret string) string {
	if len(secret) < maskKeepPrefix+maskKeepSuffix+len(maskPlaceholder) {
		return maskAll
	}
	var b strings.Builder
	b.WriteString(secret[:maskKeepPrefix])
	b.WriteString(maskPlaceholder)
	b.WriteString(secret[len(secret)-maskKeepSuffix:])
	return b.String()
}
