package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"costguardian/internal/apperr"
	"costguardian/internal/models"
	"costguardian/internal/storage"
)

// defaultTrackingTokenLength matches the length of a typical provider key
// fragment; long enough that a token is not guessable.
const defaultTrackingTokenLength = 22

const trackingTokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Vault owns credential secrets. No other component sees plaintext outside
// DecryptForUse; nothing here ever logs a secret.
type Vault struct {
	repo   *storage.CredentialRepository
	cipher *Cipher
}

// New creates a vault over the given repository and cipher.
func New(repo *storage.CredentialRepository, cipher *Cipher) *Vault {
	return &Vault{repo: repo, cipher: cipher}
}

// HashSecret returns the SHA-256 hex digest used to look a secret up without
// decrypting anything.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Add encrypts and stores a new labeled secret, active by default. The
// plaintext is not retained and not returned.
func (v *Vault) Add(ctx context.Context, label, secret string) (*models.Credential, error) {
	if label == "" {
		return nil, apperr.Validation("label must not be empty")
	}
	if secret == "" {
		return nil, apperr.Validation("secret must not be empty")
	}

	enc, err := v.cipher.Encrypt([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	cred := &models.Credential{
		ID:         uuid.NewString(),
		Label:      label,
		SecretEnc:  enc,
		SecretHash: HashSecret(secret),
		SecretMask: models.MaskSecret(secret),
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}

	if err := v.repo.Insert(ctx, cred); err != nil {
		return nil, apperr.Storage("failed to store credential", err)
	}
	return cred, nil
}

// DecryptForUse returns the plaintext secret for id. A credential encrypted
// under a previous master key fails with a decryption error; that is surfaced,
// never swallowed, because it means the credential is unusable until replaced.
func (v *Vault) DecryptForUse(ctx context.Context, id string) (string, error) {
	cred, err := v.repo.Get(ctx, id)
	if err != nil {
		return "", mapRepoErr(id, err)
	}

	plaintext, err := v.cipher.Decrypt(cred.SecretEnc)
	if err != nil {
		if errors.Is(err, ErrDecrypt) {
			return "", apperr.Decryption(fmt.Sprintf("credential %s is undecryptable", id), err)
		}
		return "", err
	}
	return string(plaintext), nil
}

// ListMasked returns all credentials in display form.
func (v *Vault) ListMasked(ctx context.Context) ([]models.MaskedCredential, error) {
	creds, err := v.repo.List(ctx)
	if err != nil {
		return nil, apperr.Storage("failed to list credentials", err)
	}

	masked := make([]models.MaskedCredential, 0, len(creds))
	for _, c := range creds {
		masked = append(masked, c.Masked())
	}
	return masked, nil
}

// SetActive enables or disables a credential. Setting the current state
// again is a no-op.
func (v *Vault) SetActive(ctx context.Context, id string, active bool) error {
	if err := v.repo.SetActive(ctx, id, active); err != nil {
		return mapRepoErr(id, err)
	}
	return nil
}

// Remove hard-deletes a credential. Not reversible.
func (v *Vault) Remove(ctx context.Context, id string) error {
	if err := v.repo.Delete(ctx, id); err != nil {
		return mapRepoErr(id, err)
	}
	return nil
}

// RecordSuccess updates the last-successful-use timestamp after a confirmed
// successful use of the credential.
func (v *Vault) RecordSuccess(ctx context.Context, id string, t time.Time) error {
	if err := v.repo.RecordSuccess(ctx, id, t.UTC()); err != nil {
		return mapRepoErr(id, err)
	}
	return nil
}

// LookupActive resolves a presented plaintext secret to its credential via
// the stored hash. Inactive and unknown secrets both come back as not found
// so a caller cannot probe which tokens exist.
func (v *Vault) LookupActive(ctx context.Context, secret string) (*models.Credential, error) {
	cred, err := v.repo.LookupByHash(ctx, HashSecret(secret))
	if err != nil {
		if errors.Is(err, storage.ErrCredentialNotFound) {
			return nil, apperr.NotFound("unknown credential or token")
		}
		return nil, apperr.Storage("failed to look up credential", err)
	}
	if !cred.Active {
		return nil, apperr.NotFound("unknown credential or token")
	}
	return cred, nil
}

// CheckActive verifies that id names an existing, active credential. No
// plaintext is touched; this is the identity validation step of ingestion.
func (v *Vault) CheckActive(ctx context.Context, id string) error {
	cred, err := v.repo.Get(ctx, id)
	if err != nil {
		return mapRepoErr(id, err)
	}
	if !cred.Active {
		return apperr.NotFound("credential %s is inactive", id)
	}
	return nil
}

// MintTrackingToken generates a random tracking token, stores it like any
// other credential and returns the plaintext exactly once.
func (v *Vault) MintTrackingToken(ctx context.Context, label string, length int) (string, *models.Credential, error) {
	token, err := NewTrackingToken(length)
	if err != nil {
		return "", nil, err
	}

	cred, err := v.Add(ctx, label, token)
	if err != nil {
		return "", nil, err
	}
	return token, cred, nil
}

// NewTrackingToken returns a random token over a URL-safe alphabet. A
// non-positive length selects the default.
func NewTrackingToken(length int) (string, error) {
	if length <= 0 {
		length = defaultTrackingTokenLength
	}

	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate tracking token: %w", err)
	}

	token := make([]byte, length)
	for i, b := range raw {
		token[i] = trackingTokenAlphabet[int(b)%len(trackingTokenAlphabet)]
	}
	return "tt-" + string(token), nil
}

func mapRepoErr(id string, err error) error {
	if errors.Is(err, storage.ErrCredentialNotFound) {
		return apperr.NotFound("credential %s not found", id)
	}
	return apperr.Storage("credential operation failed", err)
}
