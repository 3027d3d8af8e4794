package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/dataaxiom/ghcr-cleanup-action/impl/helpers"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/oci"
)

// ErrManifestNotFound is returned when the registry answers 400 or 404 for a
// manifest read. Callers record the manifest as missing and continue.
var ErrManifestNotFound = errors.New("manifest not found")

// TagResolver resolves a tag to the digest it currently points at. The
// package index implements this; the registry's own tag-list endpoint is not
// used because the packages API listing is the source of truth for a run.
type TagResolver interface {
	DigestByTag(tag string) (string, bool)
}

// Client is an authenticated client to the OCI distribution API for one
// package. Manifest reads are memoised per run.
type Client struct {
	baseURL    string
	owner      string
	pkg        string
	token      string
	httpClient *http.Client
	bearer     string
	cache      *manifestCache
	resolver   TagResolver
}

// maxAttempts bounds retries of transient transport failures.
const maxAttempts = 3

// maxRetryAfter caps how long a server rate-limit hint is honoured.
const maxRetryAfter = 30 * time.Second

// NewClient creates a registry client for one package. The passed token is
// the platform credential which is exchanged for a scoped registry token on
// the first 401 challenge.
func NewClient(baseURL string, owner string, pkg string, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		owner:      owner,
		pkg:        pkg,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      newManifestCache(),
	}
}

// SetResolver wires the tag resolver used by GetManifestByTag. Called once
// after the package index is loaded.
func (c *Client) SetResolver(resolver TagResolver) {
	c.resolver = resolver
}

// GetManifestByDigest fetches and parses the manifest identified by digest.
// Results are cached by digest for the lifetime of the run. Returns
// ErrManifestNotFound when the registry has no manifest at the digest.
func (c *Client) GetManifestByDigest(ctx context.Context, digest string) (oci.Manifest, error) {
	if m, exists := c.cache.get(digest); exists {
		return m, nil
	}
	raw, err := c.fetchManifest(ctx, digest)
	if err != nil {
		return oci.Manifest{}, err
	}
	m, err := oci.Parse(raw, digest)
	if err != nil {
		return oci.Manifest{}, err
	}
	c.cache.add(m)
	return m, nil
}

// GetManifestByTag resolves the tag through the package index and delegates
// to GetManifestByDigest.
func (c *Client) GetManifestByTag(ctx context.Context, tag string) (oci.Manifest, error) {
	digest, exists := c.resolver.DigestByTag(tag)
	if !exists {
		return oci.Manifest{}, fmt.Errorf("tag %s: %w", tag, ErrManifestNotFound)
	}
	return c.GetManifestByDigest(ctx, digest)
}

// PutManifest uploads a manifest, assigning the tag to the digest the
// registry computes over the body. The cache entry for the digest the tag
// previously pointed at is invalidated.
func (c *Client) PutManifest(ctx context.Context, tag string, raw []byte, mediaType string) error {
	endpoint := fmt.Sprintf("%s/v2/%s/%s/manifests/%s", c.baseURL, c.owner, c.pkg, tag)
	err := c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(raw))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", mediaType)
		resp, err := c.do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK,
			resp.StatusCode == http.StatusCreated,
			resp.StatusCode == http.StatusAccepted:
			return nil
		case retryable(resp.StatusCode):
			c.pause(ctx, resp)
			return fmt.Errorf("manifest upload for tag %s: status %d", tag, resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("manifest upload for tag %s: status %d", tag, resp.StatusCode))
		}
	})
	if err != nil {
		return err
	}
	if c.resolver != nil {
		if previous, exists := c.resolver.DigestByTag(tag); exists {
			c.cache.invalidate(previous)
		}
	}
	log.Debugf("uploaded substitute manifest for tag %s (%d bytes)", tag, len(raw))
	return nil
}

// CachedManifests returns how many manifests the run has memoised.
func (c *Client) CachedManifests() int {
	return c.cache.len()
}

// fetchManifest GETs a manifest by reference and returns the raw bytes.
func (c *Client) fetchManifest(ctx context.Context, ref string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/v2/%s/%s/manifests/%s", c.baseURL, c.owner, c.pkg, ref)
	var raw []byte
	err := c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", oci.AcceptHeader)
		resp, err := c.do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK:
			raw, err = io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			return nil
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
			log.Debugf("manifest %s not in registry (status %d)", helpers.ShortDigest(ref), resp.StatusCode)
			return backoff.Permanent(fmt.Errorf("manifest %s: %w", ref, ErrManifestNotFound))
		case retryable(resp.StatusCode):
			c.pause(ctx, resp)
			return fmt.Errorf("manifest %s: status %d", ref, resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("manifest %s: status %d", ref, resp.StatusCode))
		}
	})
	return raw, err
}

// do runs one request, performing the bearer token exchange when the
// registry answers with a 401 challenge.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	challenge := resp.Header.Get("Www-Authenticate")
	resp.Body.Close()
	if c.bearer != "" || challenge == "" {
		// authenticated request rejected - not recoverable by login
		return nil, backoff.Permanent(fmt.Errorf("registry rejected credentials for %s/%s", c.owner, c.pkg))
	}
	if err := c.login(req.Context(), challenge); err != nil {
		return nil, backoff.Permanent(err)
	}
	retried := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		retried.Body = body
	}
	retried.Header.Set("Authorization", "Bearer "+c.bearer)
	return c.httpClient.Do(retried)
}

var challengeRe = regexp.MustCompile(`Bearer realm="([^"]+)"(?:,service="([^"]*)")?(?:,scope="([^"]*)")?`)

// login exchanges the platform credential for a scoped registry token per
// the challenge in the Www-Authenticate header.
func (c *Client) login(ctx context.Context, challenge string) error {
	parts := challengeRe.FindStringSubmatch(challenge)
	if parts == nil {
		return fmt.Errorf("unsupported auth challenge: %s", challenge)
	}
	realm, service, scope := parts[1], parts[2], parts[3]
	if scope == "" {
		scope = fmt.Sprintf("repository:%s/%s:pull,push", c.owner, c.pkg)
	}
	tokenURL, err := url.Parse(realm)
	if err != nil {
		return fmt.Errorf("unparseable auth realm %q: %w", realm, err)
	}
	query := tokenURL.Query()
	if service != "" {
		query.Set("service", service)
	}
	query.Set("scope", scope)
	tokenURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth("token", c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry login failed: status %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("registry login failed: %w", err)
	}
	if body.Token == "" {
		return fmt.Errorf("registry login returned no token")
	}
	c.bearer = body.Token
	log.Debugf("obtained registry token for %s/%s", c.owner, c.pkg)
	return nil
}

// withRetry runs op up to maxAttempts times with exponential backoff.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), ctx)
	return backoff.Retry(op, policy)
}

// retryable reports whether a status code indicates a transient condition.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// pause honours a server rate-limit hint, bounded by maxRetryAfter.
func (c *Client) pause(ctx context.Context, resp *http.Response) {
	seconds, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || seconds <= 0 {
		return
	}
	wait := time.Duration(seconds) * time.Second
	if wait > maxRetryAfter {
		wait = maxRetryAfter
	}
	log.Debugf("rate limited - honouring Retry-After of %s", wait)
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
