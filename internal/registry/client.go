package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/leolilley/kiwi/internal/config"
	"github.com/leolilley/kiwi/internal/httputil"
	"github.com/leolilley/kiwi/internal/log"
	"github.com/leolilley/kiwi/internal/tool"
)

// Client fetches tool versions from the remote registry service.
//
// The wire contract: every response carries the manifest plus file_hashes
// so integrity can be recomputed offline, and both content_hash and
// integrity columns for backwards lookup.
type Client struct {
	BaseURL string
	client  *http.Client
	cache   *Cache // optional response cache
	log     log.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCache attaches a local response cache.
func WithCache(c *Cache) ClientOption {
	return func(cl *Client) { cl.cache = c }
}

// WithLogger sets the client logger.
func WithLogger(l log.Logger) ClientOption {
	return func(cl *Client) { cl.log = l }
}

// WithHTTPClient overrides the underlying HTTP client (tests).
func WithHTTPClient(h *http.Client) ClientOption {
	return func(cl *Client) { cl.client = h }
}

// NewClient creates a registry client for the given base URL. An empty
// baseURL falls back to the configured registry.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = config.GetRegistryURL()
	}
	c := &Client{
		BaseURL: baseURL,
		client:  httputil.NewClient(httputil.ClientOptions{Timeout: config.GetAPITimeout()}),
		log:     log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) toolURL(toolID string) string {
	return fmt.Sprintf("%s/v1/tools/%s", c.BaseURL, url.PathEscape(toolID))
}

func (c *Client) versionURL(toolID, version string) string {
	return fmt.Sprintf("%s/v1/tools/%s/versions/%s",
		c.BaseURL, url.PathEscape(toolID), url.PathEscape(version))
}

// Get returns the latest published version of a tool.
func (c *Client) Get(ctx context.Context, toolID string) (*tool.Version, error) {
	if err := tool.ValidateID(toolID); err != nil {
		return nil, &Error{Type: ErrTypeDecode, Tool: toolID, Message: err.Error()}
	}
	return c.fetchVersion(ctx, toolID, "", c.toolURL(toolID))
}

// GetVersion returns a specific published version of a tool. Published
// versions are immutable, so cached copies never expire.
func (c *Client) GetVersion(ctx context.Context, toolID, version string) (*tool.Version, error) {
	if err := tool.ValidateID(toolID); err != nil {
		return nil, &Error{Type: ErrTypeDecode, Tool: toolID, Message: err.Error()}
	}
	if c.cache != nil {
		if v, ok := c.cache.GetPinned(toolID, version); ok {
			c.log.Debug("registry cache hit", "tool", toolID, "version", version)
			return v, nil
		}
	}
	v, err := c.fetchVersion(ctx, toolID, version, c.versionURL(toolID, version))
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.PutPinned(v)
	}
	return v, nil
}

// ResolveChainRaw asks the registry for its stored executor walk.
func (c *Client) ResolveChainRaw(ctx context.Context, toolID string) ([]*tool.Version, error) {
	body, err := c.get(ctx, toolID, c.toolURL(toolID)+"/chain")
	if err != nil {
		return nil, err
	}

	var chain []*tool.Version
	if err := json.Unmarshal(body, &chain); err != nil {
		return nil, &Error{Type: ErrTypeDecode, Tool: toolID,
			Message: "failed to decode chain response", Err: err}
	}
	return chain, nil
}

// FetchPayload streams a version's file payload archive. The returned
// format is the archive encoding advertised by the registry
// (tar.gz, tar.zst, or tar.xz). Caller closes the reader.
func (c *Client) FetchPayload(ctx context.Context, toolID, version string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.versionURL(toolID, version)+"/payload", nil)
	if err != nil {
		return nil, "", &Error{Type: ErrTypeUnavailable, Tool: toolID,
			Message: "failed to create payload request", Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", wrapNetworkError(err, toolID, "failed to fetch payload")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, "", &Error{Type: ErrTypeNotFound, Tool: toolID, Version: version,
				Message: fmt.Sprintf("payload for %s@%s not found", toolID, version)}
		}
		return nil, "", &Error{Type: ErrTypeUnavailable, Tool: toolID,
			Message: fmt.Sprintf("payload fetch returned status %d", resp.StatusCode)}
	}

	format := resp.Header.Get("X-Kiwi-Archive-Format")
	if format == "" {
		format = "tar.gz"
	}
	return resp.Body, format, nil
}

func (c *Client) fetchVersion(ctx context.Context, toolID, version, fetchURL string) (*tool.Version, error) {
	body, err := c.get(ctx, toolID, fetchURL)
	if err != nil {
		return nil, err
	}

	var v tool.Version
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, &Error{Type: ErrTypeDecode, Tool: toolID, Version: version,
			Message: "failed to decode tool version", Err: err}
	}
	if err := v.Validate(); err != nil {
		return nil, &Error{Type: ErrTypeDecode, Tool: toolID, Version: version,
			Message: "registry returned malformed tool version", Err: err}
	}
	return &v, nil
}

func (c *Client) get(ctx context.Context, toolID, fetchURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, &Error{Type: ErrTypeUnavailable, Tool: toolID,
			Message: "failed to create request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, wrapNetworkError(err, toolID, "failed to reach registry")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &Error{Type: ErrTypeNotFound, Tool: toolID,
			Message: fmt.Sprintf("tool %s not found in registry", toolID)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Type: ErrTypeRateLimit, Tool: toolID,
			Message: "registry rate limit exceeded"}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Type: ErrTypeUnavailable, Tool: toolID,
			Message: fmt.Sprintf("registry returned status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &Error{Type: ErrTypeDecode, Tool: toolID,
			Message: "failed to read registry response", Err: err}
	}
	return data, nil
}
