package filter

import (
	"context"
	"errors"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dataaxiom/ghcr-cleanup-action/impl/config"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/globals"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/graph"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/helpers"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/packages"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/registry"
)

// Untagger carries a single tag off a multi-tagged version without deleting
// the version. The executor implements it with the substitute-manifest
// protocol.
type Untagger interface {
	Untag(ctx context.Context, tag string) error
}

// Result is the outcome of a pipeline run: the top-level digests selected
// for deletion in order, and the tags protected by the exclude patterns.
type Result struct {
	DeleteOrder  []string
	DeleteSet    map[string]bool
	ExcludedTags map[string]bool
	Graph        *graph.Graph
}

// Pipeline applies the policy stages over a mutable candidate set. Stages
// run in a fixed order: exclude, age, tag-delete/untag, structural cleanup,
// keep-N-tagged, keep-N-untagged or delete-untagged. Exclusion dominates: a
// digest removed by the exclude stage is never re-added by a later stage.
type Pipeline struct {
	cfg      config.Configuration
	idx      *packages.Index
	builder  *graph.Builder
	src      graph.ManifestSource
	untagger Untagger

	filterSet map[string]bool
	result    *Result
}

// NewPipeline builds a pipeline over the passed collaborators.
func NewPipeline(cfg config.Configuration, idx *packages.Index, builder *graph.Builder,
	src graph.ManifestSource, untagger Untagger) *Pipeline {
	return &Pipeline{cfg: cfg, idx: idx, builder: builder, src: src, untagger: untagger}
}

// Run executes the stages and returns the deletion plan.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	g, err := p.builder.Build(ctx)
	if err != nil {
		return nil, err
	}
	children, err := p.builder.ChildrenOfTopLevel(ctx, g)
	if err != nil {
		return nil, err
	}
	p.result = &Result{
		DeleteSet:    make(map[string]bool),
		ExcludedTags: make(map[string]bool),
		Graph:        g,
	}
	p.filterSet = make(map[string]bool)
	for _, digest := range p.idx.Digests() {
		if !children[digest] {
			p.filterSet[digest] = true
		}
	}
	log.Debugf("%d top-level candidates of %d versions", len(p.filterSet), p.idx.Len())

	deleteMatcher, err := NewTagMatcher(p.cfg.DeleteTags, p.cfg.UseRegex)
	if err != nil {
		return nil, err
	}
	excludeMatcher, err := NewTagMatcher(p.cfg.ExcludeTags, p.cfg.UseRegex)
	if err != nil {
		return nil, err
	}

	p.excludeTags(excludeMatcher)
	p.filterByAge()
	if err := p.deleteByTag(ctx, deleteMatcher, excludeMatcher); err != nil {
		return nil, err
	}
	if err := p.structuralCleanup(ctx); err != nil {
		return nil, err
	}
	p.keepNtagged()
	p.untaggedCleanup()
	return p.result, nil
}

// excludeTags resolves the exclude patterns and removes the matched tags'
// digests from the candidate set. Runs again after every index reload.
func (p *Pipeline) excludeTags(matcher *TagMatcher) {
	if matcher.Empty() {
		return
	}
	globals.Phase("excluding tags")
	for _, tag := range p.idx.Tags() {
		if !matcher.Match(tag) {
			continue
		}
		p.result.ExcludedTags[tag] = true
		if digest, exists := p.idx.DigestByTag(tag); exists {
			if p.filterSet[digest] {
				log.Debugf("excluding %s (tag %s)", helpers.ShortDigest(digest), tag)
			}
			delete(p.filterSet, digest)
		}
	}
}

// filterByAge removes candidates newer than the older-than cutoff.
func (p *Pipeline) filterByAge() {
	if p.cfg.OlderThanDuration <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.cfg.OlderThanDuration)
	for digest := range p.filterSet {
		v, exists := p.idx.VersionByDigest(digest)
		if !exists {
			continue
		}
		if !v.UpdatedAt.Before(cutoff) {
			log.Debugf("keeping %s - newer than %s", helpers.ShortDigest(digest), p.cfg.OlderThan)
			delete(p.filterSet, digest)
		}
	}
}

// deleteByTag resolves the delete-tag patterns in two phases. Matched tags
// whose version carries other tags as well need the untag protocol, which
// mutates registry state; the index is then reloaded, the exclusions are
// re-resolved, and matching repeats until only single-tagged matches remain.
// Those are standard deletes.
func (p *Pipeline) deleteByTag(ctx context.Context, matcher *TagMatcher, excludeMatcher *TagMatcher) error {
	if matcher.Empty() {
		return nil
	}
	globals.Phase("untagging images")
	for {
		untagged := 0
		for _, tag := range p.matchedTags(matcher) {
			digest, exists := p.idx.DigestByTag(tag)
			if !exists || !p.filterSet[digest] {
				continue
			}
			v, _ := p.idx.VersionByDigest(digest)
			if len(v.Tags) < 2 {
				continue
			}
			if p.cfg.DryRun {
				log.Infof("dry run - would untag %s from %s", tag, helpers.ShortDigest(digest))
				continue
			}
			if err := p.untagger.Untag(ctx, tag); err != nil {
				// abort this tag, continue with the remaining ones
				log.Errorf("unable to untag %s: %s", tag, err)
				continue
			}
			untagged++
		}
		if untagged == 0 {
			break
		}
		if err := p.idx.Reload(ctx); err != nil {
			return err
		}
		// untagging changed the index - refresh the candidate set and
		// re-apply the exclusions before matching again
		for digest := range p.filterSet {
			if _, exists := p.idx.VersionByDigest(digest); !exists {
				delete(p.filterSet, digest)
			}
		}
		p.excludeTags(excludeMatcher)
	}
	for _, tag := range p.matchedTags(matcher) {
		digest, exists := p.idx.DigestByTag(tag)
		if !exists || !p.filterSet[digest] {
			continue
		}
		v, _ := p.idx.VersionByDigest(digest)
		if len(v.Tags) == 1 {
			p.addDelete(digest, "tag "+tag)
		}
	}
	return nil
}

// matchedTags returns the delete-tag matches in deterministic order, minus
// anything protected by the exclude patterns.
func (p *Pipeline) matchedTags(matcher *TagMatcher) []string {
	var tags []string
	for _, tag := range p.idx.Tags() {
		if matcher.Match(tag) && !p.result.ExcludedTags[tag] {
			tags = append(tags, tag)
		}
	}
	return tags
}

// structuralCleanup selects ghost images, partial images and orphaned
// referrers. Partial mode subsumes ghost mode.
func (p *Pipeline) structuralCleanup(ctx context.Context) error {
	if p.cfg.DeleteGhostImages || p.cfg.DeletePartialImages {
		globals.Phase("finding ghost images to delete")
		for _, digest := range sortedSet(p.filterSet) {
			m, err := p.src.GetManifestByDigest(ctx, digest)
			if errors.Is(err, registry.ErrManifestNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !m.IsIndex() || len(m.ChildDigests()) == 0 {
				continue
			}
			present := 0
			for _, child := range m.ChildDigests() {
				if _, exists := p.idx.VersionByDigest(child); exists {
					present++
				}
			}
			absent := len(m.ChildDigests()) - present
			switch {
			case absent == 0:
			case present == 0:
				p.addDelete(digest, "ghost image")
			case p.cfg.DeletePartialImages:
				p.addDelete(digest, "partial image")
			}
		}
	}
	if p.cfg.DeleteOrphanedImages {
		globals.Phase("finding orphaned images to delete")
		for _, tag := range p.idx.Tags() {
			if !helpers.IsReferrerTag(tag) || p.result.ExcludedTags[tag] {
				continue
			}
			subject := helpers.ReferrerSubject(tag)
			if _, exists := p.idx.VersionByDigest(subject); exists {
				continue
			}
			if digest, exists := p.idx.DigestByTag(tag); exists && p.filterSet[digest] {
				p.addDelete(digest, "orphaned referrer "+tag)
			}
		}
	}
	return nil
}

// keepNtagged retains the N most recently updated tagged candidates and
// selects the rest for deletion. Digests excluded by tag are already out of
// the candidate set, so they are kept in addition to the N.
func (p *Pipeline) keepNtagged() {
	if p.cfg.KeepNtagged < 0 {
		return
	}
	tagged := p.sortedByAge(true)
	for i, digest := range tagged {
		if int64(i) >= p.cfg.KeepNtagged {
			p.addDelete(digest, "over tagged keep count")
		}
	}
}

// untaggedCleanup applies keep-n-untagged, or delete-untagged when that is
// enabled instead. The two options are mutually exclusive.
func (p *Pipeline) untaggedCleanup() {
	if p.cfg.KeepNuntagged >= 0 {
		untagged := p.sortedByAge(false)
		for i, digest := range untagged {
			if int64(i) >= p.cfg.KeepNuntagged {
				p.addDelete(digest, "over untagged keep count")
			}
		}
		return
	}
	if !p.cfg.DeleteUntaggedEnabled() {
		return
	}
	for _, digest := range sortedSet(p.filterSet) {
		if v, exists := p.idx.VersionByDigest(digest); exists && !v.IsTagged() {
			p.addDelete(digest, "untagged")
		}
	}
}

// sortedByAge returns the candidates with (or without) tags ordered by
// update time, most recent first. Ties break on digest so runs are
// deterministic.
func (p *Pipeline) sortedByAge(tagged bool) []string {
	var digests []string
	for digest := range p.filterSet {
		if v, exists := p.idx.VersionByDigest(digest); exists && v.IsTagged() == tagged {
			digests = append(digests, digest)
		}
	}
	sort.Slice(digests, func(i, j int) bool {
		vi, _ := p.idx.VersionByDigest(digests[i])
		vj, _ := p.idx.VersionByDigest(digests[j])
		if !vi.UpdatedAt.Equal(vj.UpdatedAt) {
			return vi.UpdatedAt.After(vj.UpdatedAt)
		}
		return digests[i] < digests[j]
	})
	return digests
}

// addDelete moves a digest from the candidate set to the delete set.
func (p *Pipeline) addDelete(digest string, reason string) {
	if p.result.DeleteSet[digest] || !p.filterSet[digest] {
		return
	}
	delete(p.filterSet, digest)
	p.result.DeleteSet[digest] = true
	p.result.DeleteOrder = append(p.result.DeleteOrder, digest)
	log.Debugf("will delete %s - %s", helpers.ShortDigest(digest), reason)
}

func sortedSet(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
