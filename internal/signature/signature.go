// Package signature verifies optional detached PGP signatures on tool
// manifests. The signature covers the canonical integrity payload, so a
// valid signature binds the signer to exactly the bytes the integrity
// hash identifies.
package signature

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ProtonMail/gopenpgp/v2/crypto"

	"github.com/leolilley/kiwi/internal/httputil"
	"github.com/leolilley/kiwi/internal/log"
	"github.com/leolilley/kiwi/internal/tool"
)

const (
	// maxKeySize is the maximum allowed size for a PGP public key (100KB).
	maxKeySize = 100 * 1024

	// keyFetchTimeout bounds fetching a key from its URL.
	keyFetchTimeout = 30 * time.Second
)

// fingerprintRegex matches valid 40-character hex fingerprints.
var fingerprintRegex = regexp.MustCompile(`^[0-9A-Fa-f]{40}$`)

// ValidateFingerprint checks that a fingerprint is 40 hex characters.
func ValidateFingerprint(fingerprint string) error {
	if !fingerprintRegex.MatchString(fingerprint) {
		return fmt.Errorf("invalid fingerprint format: must be 40 hex characters, got %q", fingerprint)
	}
	return nil
}

// NormalizeFingerprint uppercases a fingerprint for comparison.
func NormalizeFingerprint(fingerprint string) string {
	return strings.ToUpper(fingerprint)
}

// VerifyError reports a signature that failed verification.
type VerifyError struct {
	ToolID string
	Reason string
	Err    error
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signature verification failed for %s: %s: %v", e.ToolID, e.Reason, e.Err)
	}
	return fmt.Sprintf("signature verification failed for %s: %s", e.ToolID, e.Reason)
}

func (e *VerifyError) Unwrap() error { return e.Err }

// KeyCache manages fingerprint-addressed cached PGP public keys.
type KeyCache struct {
	cacheDir string
	client   *http.Client
	log      log.Logger
}

// NewKeyCache creates a key cache in the given directory.
func NewKeyCache(cacheDir string) *KeyCache {
	return &KeyCache{
		cacheDir: cacheDir,
		client:   httputil.NewClient(httputil.ClientOptions{Timeout: keyFetchTimeout}),
		log:      log.Default(),
	}
}

// Get retrieves a key by fingerprint, fetching from keyURL if not
// cached. The key is validated against the expected fingerprint before
// being returned, cached or fetched.
func (c *KeyCache) Get(ctx context.Context, fingerprint, keyURL string) (*crypto.Key, error) {
	if err := ValidateFingerprint(fingerprint); err != nil {
		return nil, err
	}
	fingerprint = NormalizeFingerprint(fingerprint)

	if key, err := c.loadFromCache(fingerprint); err == nil {
		return key, nil
	}

	key, err := c.fetch(ctx, fingerprint, keyURL)
	if err != nil {
		return nil, err
	}

	if armored, err := key.GetArmoredPublicKey(); err == nil {
		if err := c.saveToCache(fingerprint, armored); err != nil {
			c.log.Warn("failed to cache public key", "fingerprint", fingerprint, "err", err)
		}
	}
	return key, nil
}

func (c *KeyCache) cachePath(fingerprint string) string {
	return filepath.Join(c.cacheDir, fingerprint+".asc")
}

func (c *KeyCache) loadFromCache(fingerprint string) (*crypto.Key, error) {
	data, err := os.ReadFile(c.cachePath(fingerprint))
	if err != nil {
		return nil, err
	}
	key, err := crypto.NewKeyFromArmored(string(data))
	if err != nil {
		return nil, err
	}
	if NormalizeFingerprint(key.GetFingerprint()) != fingerprint {
		return nil, fmt.Errorf("cached key fingerprint does not match %s", fingerprint)
	}
	return key, nil
}

func (c *KeyCache) saveToCache(fingerprint, armored string) error {
	if err := os.MkdirAll(c.cacheDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(c.cachePath(fingerprint), []byte(armored), 0644)
}

func (c *KeyCache) fetch(ctx context.Context, fingerprint, keyURL string) (*crypto.Key, error) {
	if keyURL == "" {
		return nil, fmt.Errorf("key %s is not cached and no key_url was provided", fingerprint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create key request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key from %s: %w", keyURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key fetch from %s returned status %d", keyURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read key data: %w", err)
	}
	if len(data) > maxKeySize {
		return nil, fmt.Errorf("key from %s exceeds maximum size of %d bytes", keyURL, maxKeySize)
	}

	key, err := crypto.NewKeyFromArmored(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse fetched key: %w", err)
	}
	if NormalizeFingerprint(key.GetFingerprint()) != fingerprint {
		return nil, fmt.Errorf("fetched key fingerprint %s does not match pinned %s",
			NormalizeFingerprint(key.GetFingerprint()), fingerprint)
	}
	return key, nil
}

// SignedPayload returns the bytes a manifest signature covers: the
// canonical integrity payload of the version.
func SignedPayload(v *tool.Version) ([]byte, error) {
	return tool.CanonicalJSON(map[string]any{
		"tool_id":   v.ToolID,
		"version":   v.Version,
		"integrity": v.Integrity,
	})
}

// Verify checks the version's detached signature block against its
// pinned public key. A version without a signature block passes; a block
// that is present but incomplete or invalid fails.
func Verify(ctx context.Context, v *tool.Version, keys *KeyCache) error {
	block := v.SignatureBlock()
	if block == nil {
		return nil
	}
	if block.Armored == "" || block.KeyFingerprint == "" {
		return &VerifyError{ToolID: v.ToolID, Reason: "signature block is incomplete"}
	}

	key, err := keys.Get(ctx, block.KeyFingerprint, block.KeyURL)
	if err != nil {
		return &VerifyError{ToolID: v.ToolID, Reason: "public key unavailable", Err: err}
	}

	sig, err := crypto.NewPGPSignatureFromArmored(block.Armored)
	if err != nil {
		return &VerifyError{ToolID: v.ToolID, Reason: "malformed signature", Err: err}
	}

	keyRing, err := crypto.NewKeyRing(key)
	if err != nil {
		return &VerifyError{ToolID: v.ToolID, Reason: "failed to build keyring", Err: err}
	}

	payload, err := SignedPayload(v)
	if err != nil {
		return &VerifyError{ToolID: v.ToolID, Reason: "failed to build signed payload", Err: err}
	}

	message := crypto.NewPlainMessage(payload)
	if err := keyRing.VerifyDetached(message, sig, crypto.GetUnixTime()); err != nil {
		return &VerifyError{ToolID: v.ToolID, Reason: "signature does not match", Err: err}
	}
	return nil
}
