package executor

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dataaxiom/ghcr-cleanup-action/impl/globals"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/graph"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/helpers"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/oci"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/packages"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/registry"
)

// RegistryClient is the slice of the registry client the executor needs.
type RegistryClient interface {
	GetManifestByDigest(ctx context.Context, digest string) (oci.Manifest, error)
	PutManifest(ctx context.Context, tag string, raw []byte, mediaType string) error
}

// PackageClient is the slice of the packages client the executor needs.
type PackageClient interface {
	DeleteVersion(ctx context.Context, pkg string, id int64, digest string) error
}

// Stats accumulates what one package's cleanup actually did.
type Stats struct {
	Deleted        int
	MultiArch      int
	ReclaimedBytes uint64
}

// Executor performs the ordered deletions a pipeline run selected: standard
// deletes with recursive child and referrer cleanup, and the untag protocol
// for tags that must come off multi-tagged versions.
type Executor struct {
	reg  RegistryClient
	pkgs PackageClient
	idx  *packages.Index

	g        *graph.Graph
	excluded map[string]bool
	deleted  map[string]bool
	stats    Stats
}

// NewExecutor builds an executor over one package's index.
func NewExecutor(reg RegistryClient, pkgs PackageClient, idx *packages.Index) *Executor {
	return &Executor{
		reg:      reg,
		pkgs:     pkgs,
		idx:      idx,
		excluded: make(map[string]bool),
		deleted:  make(map[string]bool),
	}
}

// SetPlan wires the usedBy graph and the protected tags resolved by the
// pipeline. Must be called before Execute.
func (e *Executor) SetPlan(g *graph.Graph, excludedTags map[string]bool) {
	e.g = g
	e.excluded = excludedTags
}

// Stats returns what the executor has done so far.
func (e *Executor) Stats() Stats {
	return e.stats
}

// Prefetch warms the manifest cache with every manifest the deletions will
// need, so a network failure cannot strike midway through the destructive
// phase. Missing manifests are tolerated here and dealt with during
// execution.
func (e *Executor) Prefetch(ctx context.Context, digests []string) error {
	for _, digest := range digests {
		m, err := e.reg.GetManifestByDigest(ctx, digest)
		if errors.Is(err, registry.ErrManifestNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		for _, child := range m.ChildDigests() {
			if _, exists := e.idx.VersionByDigest(child); !exists {
				continue
			}
			if _, err := e.reg.GetManifestByDigest(ctx, child); err != nil &&
				!errors.Is(err, registry.ErrManifestNotFound) {
				return err
			}
		}
	}
	return nil
}

// Execute deletes the planned digests in order. Cancellable between
// per-digest deletions.
func (e *Executor) Execute(ctx context.Context, order []string) error {
	if len(order) == 0 {
		return nil
	}
	globals.Phase("deleting packages")
	if err := e.Prefetch(ctx, order); err != nil {
		return err
	}
	for _, digest := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.deleteVersion(ctx, digest, ""); err != nil {
			return err
		}
	}
	return nil
}

// deleteVersion deletes one version: the version itself, then children that
// no surviving index still uses, then its referrers. The deleted set guards
// against referrer chains looping back.
func (e *Executor) deleteVersion(ctx context.Context, digest string, label string) error {
	if e.deleted[digest] {
		return nil
	}
	e.deleted[digest] = true
	v, exists := e.idx.VersionByDigest(digest)
	if !exists {
		log.Debugf("version %s already gone from the index", helpers.ShortDigest(digest))
		return nil
	}
	m, merr := e.reg.GetManifestByDigest(ctx, digest)
	if merr != nil && !errors.Is(merr, registry.ErrManifestNotFound) {
		return merr
	}
	if label != "" {
		log.Infof("deleting %s (%s)", helpers.ShortDigest(digest), label)
	} else if v.IsTagged() {
		log.Infof("deleting %s (tags: %v)", helpers.ShortDigest(digest), v.Tags)
	} else {
		log.Infof("deleting %s", helpers.ShortDigest(digest))
	}
	if err := e.pkgs.DeleteVersion(ctx, e.idx.Package(), v.ID, digest); err != nil {
		return err
	}
	e.stats.Deleted++
	if merr == nil {
		e.stats.ReclaimedBytes += reclaimed(m)
	}
	if merr == nil && m.IsIndex() {
		e.stats.MultiArch++
		if err := e.deleteChildren(ctx, digest, m); err != nil {
			return err
		}
	}
	return e.deleteReferrers(ctx, digest)
}

// deleteChildren cascades a deleted index's children, skipping any child a
// surviving parent still lists.
func (e *Executor) deleteChildren(ctx context.Context, parent string, m oci.Manifest) error {
	for _, desc := range m.Children() {
		child := desc.Digest
		if _, exists := e.idx.VersionByDigest(child); !exists {
			log.Debugf("child %s of %s is not a version - skipping",
				helpers.ShortDigest(child), helpers.ShortDigest(parent))
			continue
		}
		if e.deleted[child] {
			continue
		}
		if !e.g.SoleParent(child, parent) {
			e.g.RemoveParent(child, parent)
			log.Debugf("retaining %s - still used by another image", helpers.ShortDigest(child))
			continue
		}
		e.g.Remove(child)
		if err := e.deleteVersion(ctx, child, e.childLabel(ctx, desc)); err != nil {
			return err
		}
	}
	return nil
}

// childLabel derives the per-child log label, fetching the child manifest
// when the descriptor alone cannot identify an attestation.
func (e *Executor) childLabel(ctx context.Context, desc oci.Descriptor) string {
	var child *oci.Manifest
	if m, err := e.reg.GetManifestByDigest(ctx, desc.Digest); err == nil {
		child = &m
	} else if !errors.Is(err, registry.ErrManifestNotFound) {
		log.Debugf("unable to fetch child %s for labelling: %s", helpers.ShortDigest(desc.Digest), err)
	}
	return oci.ChildLabel(desc, child)
}

// deleteReferrers cascades the referrers of a deleted version, except tags
// protected by the exclude patterns.
func (e *Executor) deleteReferrers(ctx context.Context, digest string) error {
	for _, tag := range e.idx.Tags() {
		if !helpers.IsReferrerTagFor(tag, digest) || e.excluded[tag] {
			continue
		}
		referrer, exists := e.idx.DigestByTag(tag)
		if !exists || e.deleted[referrer] {
			continue
		}
		if err := e.deleteVersion(ctx, referrer, "referrer "+tag); err != nil {
			return err
		}
	}
	return nil
}

// Untag carries the passed tag off its version by uploading a content-empty
// substitute manifest under the same tag. The registry rebinds the tag to
// the substitute's digest; the transient version holding it is then deleted,
// leaving the original version with its remaining tags.
func (e *Executor) Untag(ctx context.Context, tag string) error {
	digest, exists := e.idx.DigestByTag(tag)
	if !exists {
		return fmt.Errorf("tag %s does not resolve", tag)
	}
	m, err := e.reg.GetManifestByDigest(ctx, digest)
	if err != nil {
		return err
	}
	substitute, err := m.EmptyClone()
	if err != nil {
		return err
	}
	log.Infof("untagging %s from %s", tag, helpers.ShortDigest(digest))
	if err := e.reg.PutManifest(ctx, tag, substitute, m.MediaType); err != nil {
		return err
	}
	if err := e.idx.Reload(ctx); err != nil {
		return err
	}
	transient, exists := e.idx.DigestByTag(tag)
	if !exists || transient == digest {
		return fmt.Errorf("tag %s was not rebound by the substitute upload", tag)
	}
	v, exists := e.idx.VersionByDigest(transient)
	if !exists {
		return fmt.Errorf("no version found for substitute manifest of tag %s", tag)
	}
	e.deleted[transient] = true
	if err := e.pkgs.DeleteVersion(ctx, e.idx.Package(), v.ID, transient); err != nil {
		return err
	}
	e.stats.Deleted++
	return nil
}

// reclaimed estimates the registry storage a deleted manifest accounted for.
func reclaimed(m oci.Manifest) uint64 {
	total := uint64(len(m.Bytes))
	if !m.IsIndex() {
		total += uint64(m.Image.Config.Size)
		for _, layer := range m.Image.Layers {
			total += uint64(layer.Size)
		}
	}
	return total
}
