package oci

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// ManifestKind discriminates the two manifest variants the engine works with.
type ManifestKind int

const (
	IndexManifest ManifestKind = iota
	ImageManifest
)

// Manifest is a parsed manifest document together with the raw bytes it was
// parsed from and the digest identifying those bytes. Exactly one of Index
// and Image is populated, selected by Kind.
type Manifest struct {
	Digest    string
	MediaType string
	Bytes     []byte
	Kind      ManifestKind
	Index     Index
	Image     Image
}

// probe is used to classify a manifest when the mediaType field is absent,
// which registries tolerate for schema 2 documents.
type probe struct {
	MediaType string            `json:"mediaType"`
	Manifests []json.RawMessage `json:"manifests"`
	Layers    []json.RawMessage `json:"layers"`
}

// Parse classifies and parses raw manifest bytes. If ref is a digest it is
// trusted as the content digest, otherwise the digest is computed over the
// raw bytes - per the distribution spec the two are equivalent.
func Parse(raw []byte, ref string) (Manifest, error) {
	m := Manifest{Bytes: raw}
	if strings.HasPrefix(ref, "sha256:") {
		m.Digest = ref
	} else {
		m.Digest = digest.FromBytes(raw).String()
	}
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return Manifest{}, fmt.Errorf("unparseable manifest %s: %w", m.Digest, err)
	}
	switch p.MediaType {
	case MediaTypeOciIndex, MediaTypeDockerList:
		m.Kind = IndexManifest
	case MediaTypeOciManifest, MediaTypeDockerManifest:
		m.Kind = ImageManifest
	default:
		// no (or unrecognized) media type - classify by shape
		if p.Manifests != nil {
			m.Kind = IndexManifest
		} else if p.Layers != nil {
			m.Kind = ImageManifest
		} else {
			return Manifest{}, fmt.Errorf("manifest %s is neither an index nor an image", m.Digest)
		}
	}
	if m.Kind == IndexManifest {
		if err := json.Unmarshal(raw, &m.Index); err != nil {
			return Manifest{}, fmt.Errorf("unparseable index manifest %s: %w", m.Digest, err)
		}
		m.MediaType = m.Index.MediaType
	} else {
		if err := json.Unmarshal(raw, &m.Image); err != nil {
			return Manifest{}, fmt.Errorf("unparseable image manifest %s: %w", m.Digest, err)
		}
		m.MediaType = m.Image.MediaType
	}
	if m.MediaType == "" {
		m.MediaType = p.MediaType
	}
	return m, nil
}

// IsIndex returns true if the manifest is a multi-architecture index.
func (m Manifest) IsIndex() bool {
	return m.Kind == IndexManifest
}

// Children returns the descriptors listed by an index manifest. Empty for an
// image manifest.
func (m Manifest) Children() []Descriptor {
	if !m.IsIndex() {
		return nil
	}
	return m.Index.Manifests
}

// ChildDigests returns the digests listed by an index manifest.
func (m Manifest) ChildDigests() []string {
	var digests []string
	for _, desc := range m.Children() {
		digests = append(digests, desc.Digest)
	}
	return digests
}

// EmptyClone builds a well-formed but content-empty copy of the manifest and
// returns its serialized bytes. Because the content differs the registry
// computes a new digest on upload, which is how a tag is carried off a
// version without touching its siblings.
func (m Manifest) EmptyClone() ([]byte, error) {
	if m.IsIndex() {
		clone := m.Index
		clone.Manifests = []Descriptor{}
		return json.Marshal(clone)
	}
	clone := m.Image
	clone.Layers = []Descriptor{}
	return json.Marshal(clone)
}

// ChildLabel derives a human-readable label for a child of an index: the
// platform for ordinary children, or the attestation type for buildkit and
// sigstore artifacts (which carry platform.architecture == "unknown"). The
// child's own manifest may be nil when it could not be fetched.
func ChildLabel(desc Descriptor, child *Manifest) string {
	if strings.HasPrefix(desc.ArtifactType, ArtifactTypeSigstorePfx) {
		return "sigstore attestation"
	}
	if desc.Platform != nil && desc.Platform.Architecture != "unknown" {
		label := "architecture: " + desc.Platform.Architecture
		if desc.Platform.Variant != "" {
			label += "/" + desc.Platform.Variant
		}
		return label
	}
	if child != nil && !child.IsIndex() && len(child.Image.Layers) > 0 &&
		child.Image.Layers[0].MediaType == MediaTypeInTotoLayer {
		return "in-toto attestation"
	}
	return "unknown"
}
