package validate

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/dataaxiom/ghcr-cleanup-action/impl/graph"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/helpers"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/packages"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/registry"
)

// Validator scans a package after a cleanup run and reports integrity
// warnings: multi-arch images whose children are gone, and referrer tags
// whose subject no longer exists. Findings never fail the run.
type Validator struct {
	src graph.ManifestSource
	idx *packages.Index
}

// NewValidator builds a validator over a freshly reloaded index.
func NewValidator(src graph.ManifestSource, idx *packages.Index) *Validator {
	return &Validator{src: src, idx: idx}
}

// Scan walks the surviving versions and returns the number of warnings.
func (v *Validator) Scan(ctx context.Context) (int, error) {
	warnings := 0
	for _, digest := range v.idx.Digests() {
		m, err := v.src.GetManifestByDigest(ctx, digest)
		if errors.Is(err, registry.ErrManifestNotFound) {
			log.Warnf("version %s has no manifest in the registry", helpers.ShortDigest(digest))
			warnings++
			continue
		}
		if err != nil {
			return warnings, err
		}
		if !m.IsIndex() {
			continue
		}
		for _, child := range m.ChildDigests() {
			if _, exists := v.idx.VersionByDigest(child); !exists {
				log.Warnf("multi-arch image %s lists child %s which is not present",
					helpers.ShortDigest(digest), helpers.ShortDigest(child))
				warnings++
			}
		}
	}
	for _, tag := range v.idx.Tags() {
		if !helpers.IsReferrerTag(tag) {
			continue
		}
		subject := helpers.ReferrerSubject(tag)
		if _, exists := v.idx.VersionByDigest(subject); !exists {
			log.Warnf("referrer tag %s has no subject version", tag)
			warnings++
		}
	}
	if warnings == 0 {
		log.Infof("validation found no issues in %s", v.idx.Package())
	} else {
		log.Warnf("validation found %d issue(s) in %s", warnings, v.idx.Package())
	}
	return warnings, nil
}
