package signature

import (
	"context"
	"testing"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leolilley/kiwi/internal/tool"
)

func generateKey(t *testing.T) *crypto.Key {
	t.Helper()
	key, err := crypto.GenerateKey("Kiwi Test", "test@example.com", "rsa", 2048)
	require.NoError(t, err)
	return key
}

func signedVersion(t *testing.T, key *crypto.Key) *tool.Version {
	t.Helper()
	v := &tool.Version{
		ToolID:   "signed_tool",
		Version:  "1.0.0",
		ToolType: tool.TypeScript,
		Manifest: map[string]any{"tool_id": "signed_tool"},
	}
	h, err := tool.ComputeIntegrity(v)
	require.NoError(t, err)
	v.Integrity = h
	v.ContentHash = h

	payload, err := SignedPayload(v)
	require.NoError(t, err)

	keyRing, err := crypto.NewKeyRing(key)
	require.NoError(t, err)
	sig, err := keyRing.SignDetached(crypto.NewPlainMessage(payload))
	require.NoError(t, err)
	armored, err := sig.GetArmored()
	require.NoError(t, err)

	v.Manifest["signature"] = map[string]any{
		"armored":         armored,
		"key_fingerprint": NormalizeFingerprint(key.GetFingerprint()),
	}
	return v
}

func cacheWithKey(t *testing.T, key *crypto.Key) *KeyCache {
	t.Helper()
	cache := NewKeyCache(t.TempDir())
	public, err := key.ToPublic()
	require.NoError(t, err)
	armored, err := public.GetArmoredPublicKey()
	require.NoError(t, err)
	require.NoError(t, cache.saveToCache(NormalizeFingerprint(key.GetFingerprint()), armored))
	return cache
}

func TestValidateFingerprint(t *testing.T) {
	assert.NoError(t, ValidateFingerprint("0123456789ABCDEF0123456789ABCDEF01234567"))
	assert.Error(t, ValidateFingerprint("short"))
	assert.Error(t, ValidateFingerprint("zz23456789ABCDEF0123456789ABCDEF01234567"))
}

func TestVerifyValidSignature(t *testing.T) {
	key := generateKey(t)
	v := signedVersion(t, key)
	cache := cacheWithKey(t, key)

	assert.NoError(t, Verify(context.Background(), v, cache))
}

func TestVerifyUnsignedPasses(t *testing.T) {
	v := &tool.Version{ToolID: "plain", Version: "1.0.0", ToolType: tool.TypeScript,
		Manifest: map[string]any{}}
	assert.NoError(t, Verify(context.Background(), v, NewKeyCache(t.TempDir())))
}

func TestVerifyTamperedPayloadFails(t *testing.T) {
	key := generateKey(t)
	v := signedVersion(t, key)
	cache := cacheWithKey(t, key)

	// The signature covers (tool_id, version, integrity); changing the
	// integrity invalidates it.
	v.Integrity = "0000000000000000000000000000000000000000000000000000000000000000"

	err := Verify(context.Background(), v, cache)
	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "signed_tool", ve.ToolID)
}

func TestVerifyWrongKeyFails(t *testing.T) {
	signer := generateKey(t)
	v := signedVersion(t, signer)

	// Cache only a different key: the signer's fingerprint is not cached
	// and the block has no key_url, so the key is unavailable and
	// verification fails closed.
	other := generateKey(t)
	cache := cacheWithKey(t, other)

	err := Verify(context.Background(), v, cache)
	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
}

func TestVerifyIncompleteBlock(t *testing.T) {
	v := &tool.Version{ToolID: "half", Version: "1.0.0", ToolType: tool.TypeScript,
		Manifest: map[string]any{"signature": map[string]any{"armored": "x"}}}

	err := Verify(context.Background(), v, NewKeyCache(t.TempDir()))
	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "incomplete")
}
