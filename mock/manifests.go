package mock

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Manifest builders for tests. They produce minimal but well-formed OCI
// documents whose digests differ whenever their inputs differ.

// ImageManifest returns a single-arch image manifest. The seed makes the
// content, and therefore the digest, unique.
func ImageManifest(seed string) []byte {
	return []byte(fmt.Sprintf(`{
	"schemaVersion": 2,
	"mediaType": "application/vnd.oci.image.manifest.v1+json",
	"config": {
		"mediaType": "application/vnd.oci.image.config.v1+json",
		"digest": "sha256:%064d",
		"size": 100
	},
	"layers": [
		{
			"mediaType": "application/vnd.oci.image.layer.v1.tar+gzip",
			"digest": "sha256:%s",
			"size": 2048
		}
	]
}`, 7, seedHex(seed)))
}

// AttestationManifest returns an image manifest shaped like a buildkit
// in-toto attestation.
func AttestationManifest(seed string) []byte {
	return []byte(fmt.Sprintf(`{
	"schemaVersion": 2,
	"mediaType": "application/vnd.oci.image.manifest.v1+json",
	"config": {
		"mediaType": "application/vnd.oci.image.config.v1+json",
		"digest": "sha256:%064d",
		"size": 100
	},
	"layers": [
		{
			"mediaType": "application/vnd.in-toto+json",
			"digest": "sha256:%s",
			"size": 512
		}
	]
}`, 8, seedHex(seed)))
}

// child is one manifests[] entry for IndexManifest.
type child struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
	Platform  struct {
		Architecture string `json:"architecture"`
		OS           string `json:"os"`
	} `json:"platform"`
}

// IndexManifest returns a multi-arch index listing the passed child
// digests. Architectures cycle through a fixed list.
func IndexManifest(children ...string) []byte {
	arches := []string{"amd64", "arm64", "s390x", "ppc64le"}
	entries := make([]child, 0, len(children))
	for i, dgst := range children {
		var c child
		c.MediaType = "application/vnd.oci.image.manifest.v1+json"
		c.Digest = dgst
		c.Size = 1024
		c.Platform.Architecture = arches[i%len(arches)]
		c.Platform.OS = "linux"
		entries = append(entries, c)
	}
	doc := map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.oci.image.index.v1+json",
		"manifests":     entries,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return raw
}

// seedHex stretches a seed string into 64 hex characters: the sha256 of the
// seed, so distinct seeds never share a value.
func seedHex(seed string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(seed)))
}
