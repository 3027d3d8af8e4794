package packages

import (
	"context"
	"sort"
)

// Index is the in-memory catalogue of one package's versions, built from a
// single pass of the listing. It maintains three views: digest to version,
// id to digest, and tag to digest. After any mutation (untag, delete) the
// caller reloads it so the views reflect the live state.
type Index struct {
	client *Client
	pkg    string

	byDigest map[string]Version
	byID     map[int64]string
	byTag    map[string]string
}

// NewIndex creates an unloaded index for one package.
func NewIndex(client *Client, pkg string) *Index {
	return &Index{client: client, pkg: pkg}
}

// Load builds the three views from one pass of the version listing.
func (x *Index) Load(ctx context.Context) error {
	versions, err := x.client.ListVersions(ctx, x.pkg)
	if err != nil {
		return err
	}
	x.byDigest = make(map[string]Version, len(versions))
	x.byID = make(map[int64]string, len(versions))
	x.byTag = make(map[string]string)
	for _, v := range versions {
		x.byDigest[v.Digest] = v
		x.byID[v.ID] = v.Digest
		for _, tag := range v.Tags {
			x.byTag[tag] = v.Digest
		}
	}
	return nil
}

// Reload rebuilds the views after a mutation.
func (x *Index) Reload(ctx context.Context) error {
	return x.Load(ctx)
}

// Package returns the package name the index was built for.
func (x *Index) Package() string {
	return x.pkg
}

// Digests returns every version digest, sorted for deterministic iteration.
func (x *Index) Digests() []string {
	digests := make([]string, 0, len(x.byDigest))
	for digest := range x.byDigest {
		digests = append(digests, digest)
	}
	sort.Strings(digests)
	return digests
}

// Tags returns every tag in the package, sorted.
func (x *Index) Tags() []string {
	tags := make([]string, 0, len(x.byTag))
	for tag := range x.byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// DigestByTag resolves a tag to the digest it points at.
func (x *Index) DigestByTag(tag string) (string, bool) {
	digest, exists := x.byTag[tag]
	return digest, exists
}

// VersionByDigest returns the version stored at the digest.
func (x *Index) VersionByDigest(digest string) (Version, bool) {
	v, exists := x.byDigest[digest]
	return v, exists
}

// Len returns the number of versions in the index.
func (x *Index) Len() int {
	return len(x.byDigest)
}
