package oci

// Media types the engine understands. A document with any other media type
// is classified by its shape instead (see Parse).
const (
	MediaTypeOciIndex       = "application/vnd.oci.image.index.v1+json"
	MediaTypeOciManifest    = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeDockerList     = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeInTotoLayer    = "application/vnd.in-toto+json"
	ArtifactTypeSigstorePfx = "application/vnd.dev.sigstore.bundle"
)

// AcceptHeader is sent on every manifest GET so the registry returns indexes
// and image manifests in both the OCI and Docker schemes.
const AcceptHeader = MediaTypeOciManifest + ", " +
	MediaTypeOciIndex + ", " +
	MediaTypeDockerManifest + ", " +
	MediaTypeDockerList

// Platform identifies the os/architecture a child manifest was built for.
type Platform struct {
	Architecture string   `json:"architecture"`
	Os           string   `json:"os"`
	OsVersion    string   `json:"os.version,omitempty"`
	OsFeatures   []string `json:"os.features,omitempty"`
	Variant      string   `json:"variant,omitempty"`
}

// Descriptor holds a reference from a manifest to one of its constituent
// elements.
type Descriptor struct {
	MediaType    string            `json:"mediaType,omitempty"`
	Digest       string            `json:"digest,omitempty"`
	Size         int64             `json:"size,omitempty"`
	URLs         []string          `json:"urls,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	Platform     *Platform         `json:"platform,omitempty"`
	ArtifactType string            `json:"artifactType,omitempty"`
}

// Index is a multi-architecture manifest: a list of child manifests, one per
// platform (or per attestation when produced by buildkit).
type Index struct {
	SchemaVersion int64             `json:"schemaVersion"`
	MediaType     string            `json:"mediaType,omitempty"`
	ArtifactType  string            `json:"artifactType,omitempty"`
	Manifests     []Descriptor      `json:"manifests"`
	Subject       *Descriptor       `json:"subject,omitempty"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// Image is a single-architecture manifest: config plus layers.
type Image struct {
	SchemaVersion int64             `json:"schemaVersion"`
	MediaType     string            `json:"mediaType,omitempty"`
	ArtifactType  string            `json:"artifactType,omitempty"`
	Config        Descriptor        `json:"config,omitempty"`
	Layers        []Descriptor      `json:"layers"`
	Subject       *Descriptor       `json:"subject,omitempty"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}
