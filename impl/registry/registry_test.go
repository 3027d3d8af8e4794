package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dataaxiom/ghcr-cleanup-action/mock"
)

const (
	owner = "dataaxiom"
	pkg   = "tiny"
)

// resolverMap adapts a plain map to the TagResolver interface.
type resolverMap map[string]string

func (r resolverMap) DigestByTag(tag string) (string, bool) {
	digest, exists := r[tag]
	return digest, exists
}

func setup(t *testing.T, auth mock.AuthType) (*mock.Registry, *Client, func()) {
	t.Helper()
	ghcr := mock.NewRegistry(owner, "User", auth)
	server := ghcr.Server()
	client := NewClient(server.URL, owner, pkg, "token-value")
	return ghcr, client, server.Close
}

func TestGetManifestByDigestWithLogin(t *testing.T) {
	ghcr, client, done := setup(t, mock.BEARER)
	defer done()
	digest := ghcr.Seed(pkg, mock.ImageManifest("a"), time.Now(), "latest")

	m, err := client.GetManifestByDigest(context.Background(), digest)
	if err != nil {
		t.Fatal(err)
	}
	if m.Digest != digest || m.IsIndex() {
		t.Fail()
	}
}

func TestManifestMemoised(t *testing.T) {
	ghcr, client, done := setup(t, mock.NONE)
	defer done()
	digest := ghcr.Seed(pkg, mock.ImageManifest("a"), time.Now())

	for i := 0; i < 5; i++ {
		if _, err := client.GetManifestByDigest(context.Background(), digest); err != nil {
			t.Fatal(err)
		}
	}
	if ghcr.ManifestGets != 1 {
		t.Fatalf("expected 1 registry GET, saw %d", ghcr.ManifestGets)
	}
	if client.CachedManifests() != 1 {
		t.Fail()
	}
}

func TestGetManifestNotFound(t *testing.T) {
	_, client, done := setup(t, mock.NONE)
	defer done()
	missing := "sha256:00000000000000000000000000000000000000000000000000000000000000ff"
	_, err := client.GetManifestByDigest(context.Background(), missing)
	if !errors.Is(err, ErrManifestNotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestGetManifestByTag(t *testing.T) {
	ghcr, client, done := setup(t, mock.NONE)
	defer done()
	digest := ghcr.Seed(pkg, mock.ImageManifest("a"), time.Now(), "v1")
	client.SetResolver(resolverMap{"v1": digest})

	m, err := client.GetManifestByTag(context.Background(), "v1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Digest != digest {
		t.Fail()
	}
	if _, err := client.GetManifestByTag(context.Background(), "nope"); !errors.Is(err, ErrManifestNotFound) {
		t.Fail()
	}
}

func TestPutManifestRebindsTag(t *testing.T) {
	ghcr, client, done := setup(t, mock.BEARER)
	defer done()
	original := ghcr.Seed(pkg, mock.ImageManifest("a"), time.Now(), "v1", "v2")
	client.SetResolver(resolverMap{"v1": original})

	substitute := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json","layers":[]}`)
	if err := client.PutManifest(context.Background(), "v1", substitute, "application/vnd.oci.image.manifest.v1+json"); err != nil {
		t.Fatal(err)
	}
	tags := ghcr.Tags(pkg)
	if tags["v1"] == original {
		t.Fatal("tag v1 still bound to original digest")
	}
	if tags["v2"] != original {
		t.Fatal("tag v2 should still point at the original")
	}
	// the original version must still exist until explicitly deleted
	if !ghcr.Digests(pkg)[original] {
		t.Fatal("original version disappeared")
	}
}
