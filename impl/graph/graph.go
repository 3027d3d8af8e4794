package graph

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/dataaxiom/ghcr-cleanup-action/impl/helpers"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/oci"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/packages"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/registry"
)

// ManifestSource fetches parsed manifests by digest. Satisfied by the
// registry client.
type ManifestSource interface {
	GetManifestByDigest(ctx context.Context, digest string) (oci.Manifest, error)
}

// Graph records which package versions are referenced by which multi-arch
// parents. UsedBy maps a child digest to the set of parent digests whose
// index manifests list it. Only digests that exist as versions appear on
// either side.
type Graph struct {
	UsedBy map[string]map[string]bool
}

// Parents returns the parents of a child digest.
func (g *Graph) Parents(child string) map[string]bool {
	return g.UsedBy[child]
}

// SoleParent reports whether parent is the only index using child.
func (g *Graph) SoleParent(child string, parent string) bool {
	parents := g.UsedBy[child]
	return len(parents) == 1 && parents[parent]
}

// RemoveParent drops one edge, used when a parent is deleted but the child
// survives because another parent still lists it.
func (g *Graph) RemoveParent(child string, parent string) {
	delete(g.UsedBy[child], parent)
	if len(g.UsedBy[child]) == 0 {
		delete(g.UsedBy, child)
	}
}

// Remove drops a child and all its edges, used when the child is deleted.
func (g *Graph) Remove(child string) {
	delete(g.UsedBy, child)
}

// Builder walks a package index and links versions through their manifests.
type Builder struct {
	src ManifestSource
	idx *packages.Index
}

// NewBuilder creates a Builder over the passed index.
func NewBuilder(src ManifestSource, idx *packages.Index) *Builder {
	return &Builder{src: src, idx: idx}
}

// Build fetches the manifest of every version and populates the usedBy
// relation. Versions whose manifests are missing from the registry are
// logged and skipped; they contribute no edges to the relation.
func (b *Builder) Build(ctx context.Context) (*Graph, error) {
	g := &Graph{UsedBy: make(map[string]map[string]bool)}
	for _, parent := range b.idx.Digests() {
		m, err := b.src.GetManifestByDigest(ctx, parent)
		if errors.Is(err, registry.ErrManifestNotFound) {
			log.Debugf("version %s has no manifest in the registry", helpers.ShortDigest(parent))
			continue
		}
		if err != nil {
			return nil, err
		}
		log.Debugf("manifest %s: %s", helpers.ShortDigest(parent), m.Bytes)
		if !m.IsIndex() {
			continue
		}
		for _, child := range m.ChildDigests() {
			if _, exists := b.idx.VersionByDigest(child); !exists {
				continue
			}
			if g.UsedBy[child] == nil {
				g.UsedBy[child] = make(map[string]bool)
			}
			g.UsedBy[child][parent] = true
		}
	}
	return g, nil
}

// ChildrenOfTopLevel returns the set of digests that are children of some
// index manifest, or reachable as referrers of a top-level digest (including
// the children of a referrer that is itself an index). Policies operate only
// on digests outside this set.
func (b *Builder) ChildrenOfTopLevel(ctx context.Context, g *Graph) (map[string]bool, error) {
	children := make(map[string]bool)
	for child := range g.UsedBy {
		children[child] = true
	}
	tags := b.idx.Tags()
	for _, digest := range b.idx.Digests() {
		if children[digest] {
			continue
		}
		for _, tag := range tags {
			if !helpers.IsReferrerTagFor(tag, digest) {
				continue
			}
			referrer, exists := b.idx.DigestByTag(tag)
			if !exists || referrer == digest {
				continue
			}
			children[referrer] = true
			m, err := b.src.GetManifestByDigest(ctx, referrer)
			if errors.Is(err, registry.ErrManifestNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			for _, grandChild := range m.ChildDigests() {
				if _, exists := b.idx.VersionByDigest(grandChild); exists {
					children[grandChild] = true
				}
			}
		}
	}
	return children, nil
}
