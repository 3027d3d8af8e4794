package packages

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v62/github"
	log "github.com/sirupsen/logrus"

	"github.com/dataaxiom/ghcr-cleanup-action/impl/helpers"
)

// packageType is the only package type the engine works with.
const packageType = "container"

// perPage is the page size for version and package listings.
const perPage = 100

// Version is one package version: a stored manifest with its platform id,
// content digest, tags and last-update time. A version is tagged iff Tags is
// non-empty.
type Version struct {
	ID        int64
	Digest    string
	Tags      []string
	UpdatedAt time.Time
}

// IsTagged returns true if the version carries at least one tag.
func (v Version) IsTagged() bool {
	return len(v.Tags) > 0
}

// Client is an authenticated client to the platform packages API for one
// owner. It resolves the owner kind once so the correct per-kind endpoints
// are used for listing and deletion.
type Client struct {
	gh        *github.Client
	owner     string
	ownerOrg  bool
	ownerSelf bool
	dryRun    bool

	// true when the previous DeleteVersion call hit a 404, see DeleteVersion
	lastDelete404 bool
}

// NewClient builds a packages client. apiURL is overridable for GHES and for
// tests; pass config.DefaultAPIURL otherwise. The owner account kind is
// discovered via the users API.
func NewClient(ctx context.Context, apiURL string, token string, owner string, dryRun bool) (*Client, error) {
	gh := github.NewClient(nil).WithAuthToken(token)
	base, err := url.Parse(strings.TrimSuffix(apiURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("unparseable api url %q: %w", apiURL, err)
	}
	gh.BaseURL = base

	c := &Client{gh: gh, owner: owner, dryRun: dryRun}

	user, _, err := gh.Users.Get(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve owner %s: %w", owner, err)
	}
	c.ownerOrg = user.GetType() == "Organization"
	if !c.ownerOrg {
		// private packages of the calling user are only reachable through
		// the authenticated-user endpoints
		me, _, err := gh.Users.Get(ctx, "")
		if err == nil && strings.EqualFold(me.GetLogin(), owner) {
			c.ownerSelf = true
		}
	}
	log.Debugf("owner %s: organization=%v self=%v", owner, c.ownerOrg, c.ownerSelf)
	return c, nil
}

// ListVersions returns every version of the package by walking the
// paginated listing.
func (c *Client) ListVersions(ctx context.Context, pkg string) ([]Version, error) {
	opts := &github.PackageListOptions{
		PackageType: github.String(packageType),
		State:       github.String("active"),
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	escaped := url.PathEscape(pkg)
	var versions []Version
	for {
		var (
			page []*github.PackageVersion
			resp *github.Response
		)
		err := c.withRetry(ctx, func() error {
			var err error
			if c.ownerOrg {
				page, resp, err = c.gh.Organizations.PackageGetAllVersions(ctx, c.owner, packageType, escaped, opts)
			} else if c.ownerSelf {
				page, resp, err = c.gh.Users.PackageGetAllVersions(ctx, "", packageType, escaped, opts)
			} else {
				page, resp, err = c.gh.Users.PackageGetAllVersions(ctx, c.owner, packageType, escaped, opts)
			}
			return c.classify(err)
		})
		if err != nil {
			return nil, fmt.Errorf("listing versions of %s: %w", pkg, err)
		}
		for _, pv := range page {
			versions = append(versions, Version{
				ID:        pv.GetID(),
				Digest:    pv.GetName(),
				Tags:      pv.GetMetadata().GetContainer().Tags,
				UpdatedAt: pv.GetUpdatedAt().Time,
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	log.Debugf("package %s: %d versions", pkg, len(versions))
	return versions, nil
}

// DeleteVersion deletes one version by id. In dry-run mode it logs the
// intended action and changes nothing. A 404 immediately following a
// successful delete is a transient platform inconsistency and is tolerated
// once; a second consecutive 404 escalates.
func (c *Client) DeleteVersion(ctx context.Context, pkg string, id int64, digest string) error {
	if c.dryRun {
		log.Infof("dry run - would delete version %d (%s) of %s", id, helpers.ShortDigest(digest), pkg)
		return nil
	}
	escaped := url.PathEscape(pkg)
	err := c.withRetry(ctx, func() error {
		var err error
		if c.ownerOrg {
			_, err = c.gh.Organizations.PackageDeleteVersion(ctx, c.owner, packageType, escaped, id)
		} else if c.ownerSelf {
			_, err = c.gh.Users.PackageDeleteVersion(ctx, "", packageType, escaped, id)
		} else {
			_, err = c.gh.Users.PackageDeleteVersion(ctx, c.owner, packageType, escaped, id)
		}
		return c.classify(err)
	})
	if err != nil {
		if status(err) == http.StatusNotFound {
			if c.lastDelete404 {
				return fmt.Errorf("two consecutive deletes hit missing versions, giving up at version %d of %s: %w", id, pkg, err)
			}
			c.lastDelete404 = true
			log.Warnf("version %d (%s) of %s was already gone - treating delete as successful", id, helpers.ShortDigest(digest), pkg)
			return nil
		}
		return fmt.Errorf("deleting version %d of %s: %w", id, pkg, err)
	}
	c.lastDelete404 = false
	log.Debugf("deleted version %d (%s) of %s", id, helpers.ShortDigest(digest), pkg)
	return nil
}

// ListPackages lists the container packages of the owner. Used only when
// package pattern expansion is requested.
func (c *Client) ListPackages(ctx context.Context) ([]string, error) {
	opts := &github.PackageListOptions{
		PackageType: github.String(packageType),
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	var names []string
	for {
		var (
			page []*github.Package
			resp *github.Response
		)
		err := c.withRetry(ctx, func() error {
			var err error
			if c.ownerOrg {
				page, resp, err = c.gh.Organizations.ListPackages(ctx, c.owner, opts)
			} else if c.ownerSelf {
				page, resp, err = c.gh.Users.ListPackages(ctx, "", opts)
			} else {
				page, resp, err = c.gh.Users.ListPackages(ctx, c.owner, opts)
			}
			return c.classify(err)
		})
		if err != nil {
			return nil, fmt.Errorf("listing packages of %s: %w", c.owner, err)
		}
		for _, pkg := range page {
			names = append(names, pkg.GetName())
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return names, nil
}

// classify marks client-side (4xx) errors permanent so the retry loop only
// replays transient transport failures.
func (c *Client) classify(err error) error {
	if err == nil {
		return nil
	}
	if code := status(err); code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// status extracts the HTTP status from a go-github error, or zero.
func status(err error) int {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode
	}
	return 0
}

// withRetry runs op up to three times with exponential backoff.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(op, policy)
}
