package vault

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costguardian/internal/apperr"
	"costguardian/internal/storage"
)

func newTestVault(t *testing.T) (*Vault, *storage.CredentialRepository) {
	t.Helper()
	db, err := storage.Open(storage.DBConfig{
		Driver: storage.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "vault.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	repo := storage.NewCredentialRepository(db)
	return New(repo, newTestCipher(t)), repo
}

func TestVaultAdd(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	cred, err := v.Add(ctx, "openai-prod", "sk-ABCDEFGHIJKLMNOP")
	require.NoError(t, err)

	assert.NotEmpty(t, cred.ID)
	assert.Equal(t, "openai-prod", cred.Label)
	assert.True(t, cred.Active)
	assert.Equal(t, "sk-A...MNOP", cred.SecretMask)

	// Only ciphertext is persisted.
	assert.NotContains(t, cred.SecretEnc, "sk-ABCDEFGHIJKLMNOP")
	assert.Equal(t, HashSecret("sk-ABCDEFGHIJKLMNOP"), cred.SecretHash)
}

func TestVaultAdd_Validation(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.Add(ctx, "", "secret")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = v.Add(ctx, "label", "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestVaultDecryptForUse(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	cred, err := v.Add(ctx, "openai-prod", "sk-secret-value")
	require.NoError(t, err)

	plaintext, err := v.DecryptForUse(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret-value", plaintext)

	_, err = v.DecryptForUse(ctx, "missing-id")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestVaultKeyRotation(t *testing.T) {
	ctx := context.Background()
	v, repo := newTestVault(t)

	cred, err := v.Add(ctx, "openai-prod", "sk-secret-value")
	require.NoError(t, err)

	// A vault over the same store with a different master key cannot read
	// the secret, and says so loudly.
	rotated := New(repo, newTestCipher(t))
	_, err = rotated.DecryptForUse(ctx, cred.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindDecryption))

	// Listing still works: the mask was computed at add time and needs no
	// decryption.
	masked, err := rotated.ListMasked(ctx)
	require.NoError(t, err)
	require.Len(t, masked, 1)
	assert.Equal(t, "openai-prod", masked[0].Label)
	assert.NotEmpty(t, masked[0].MaskedSecret)
}

func TestVaultListMasked(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.Add(ctx, "one", "sk-AAAABBBBCCCCDDDD")
	require.NoError(t, err)
	_, err = v.Add(ctx, "two", "sk-EEEEFFFFGGGGHHHH")
	require.NoError(t, err)

	masked, err := v.ListMasked(ctx)
	require.NoError(t, err)
	require.Len(t, masked, 2)
	for _, m := range masked {
		assert.NotContains(t, m.MaskedSecret, "AAAABBBB")
		assert.NotContains(t, m.MaskedSecret, "EEEEFFFF")
	}
}

func TestVaultSetActiveAndCheckActive(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	cred, err := v.Add(ctx, "toggle-me", "sk-secret")
	require.NoError(t, err)
	require.NoError(t, v.CheckActive(ctx, cred.ID))

	require.NoError(t, v.SetActive(ctx, cred.ID, false))
	err = v.CheckActive(ctx, cred.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	require.NoError(t, v.SetActive(ctx, cred.ID, true))
	assert.NoError(t, v.CheckActive(ctx, cred.ID))

	err = v.CheckActive(ctx, "missing")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestVaultRemove(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	cred, err := v.Add(ctx, "doomed", "sk-secret")
	require.NoError(t, err)

	require.NoError(t, v.Remove(ctx, cred.ID))
	err = v.Remove(ctx, cred.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestVaultLookupActive(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	cred, err := v.Add(ctx, "openai-prod", "sk-secret-value")
	require.NoError(t, err)

	got, err := v.LookupActive(ctx, "sk-secret-value")
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID)

	// Unknown and inactive both come back as not found; a caller cannot
	// tell whether the token exists.
	_, err = v.LookupActive(ctx, "sk-wrong")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	require.NoError(t, v.SetActive(ctx, cred.ID, false))
	_, err = v.LookupActive(ctx, "sk-secret-value")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestVaultRecordSuccess(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	cred, err := v.Add(ctx, "probe-me", "sk-secret")
	require.NoError(t, err)

	ok := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	require.NoError(t, v.RecordSuccess(ctx, cred.ID, ok))

	masked, err := v.ListMasked(ctx)
	require.NoError(t, err)
	require.Len(t, masked, 1)
	require.NotNil(t, masked[0].LastOKAt)
	assert.True(t, masked[0].LastOKAt.Equal(ok))
}

func TestMintTrackingToken(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	token, cred, err := v.MintTrackingToken(ctx, "team-alpha", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "tt-"))
	assert.Len(t, token, 3+defaultTrackingTokenLength)
	assert.Equal(t, "team-alpha", cred.Label)

	// The minted token resolves like any other credential.
	got, err := v.LookupActive(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID)
}

func TestNewTrackingToken(t *testing.T) {
	a, err := NewTrackingToken(0)
	require.NoError(t, err)
	b, err := NewTrackingToken(0)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	long, err := NewTrackingToken(40)
	require.NoError(t, err)
	assert.Len(t, long, 43)
	for _, r := range long[3:] {
		assert.Contains(t, trackingTokenAlphabet, string(r))
	}
}
