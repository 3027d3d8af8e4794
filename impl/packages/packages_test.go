package packages

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dataaxiom/ghcr-cleanup-action/mock"
)

const (
	owner = "dataaxiom"
	pkg   = "tiny"
)

func setup(t *testing.T, ownerType string, dryRun bool) (*mock.Registry, *Client, func()) {
	t.Helper()
	ghcr := mock.NewRegistry(owner, ownerType, mock.NONE)
	server := ghcr.Server()
	client, err := NewClient(context.Background(), server.URL, "token-value", owner, dryRun)
	if err != nil {
		server.Close()
		t.Fatal(err)
	}
	return ghcr, client, server.Close
}

func TestListVersionsPaginated(t *testing.T) {
	ghcr, client, done := setup(t, "Organization", false)
	defer done()
	for i := 0; i < 250; i++ {
		ghcr.Seed(pkg, mock.ImageManifest(fmt.Sprintf("img%d", i)), time.Now(), fmt.Sprintf("v%d", i))
	}
	versions, err := client.ListVersions(context.Background(), pkg)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 250 {
		t.Fatalf("got %d versions", len(versions))
	}
	seen := make(map[int64]bool)
	for _, v := range versions {
		if seen[v.ID] {
			t.Fatalf("version %d listed twice", v.ID)
		}
		seen[v.ID] = true
		if len(v.Tags) != 1 {
			t.Fatalf("version %d tags: %v", v.ID, v.Tags)
		}
	}
}

func TestListVersionsUserOwner(t *testing.T) {
	ghcr, client, done := setup(t, "User", false)
	defer done()
	ghcr.Seed(pkg, mock.ImageManifest("a"), time.Now(), "latest")
	versions, err := client.ListVersions(context.Background(), pkg)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 || versions[0].Tags[0] != "latest" {
		t.Fatalf("got %+v", versions)
	}
}

func TestDeleteVersion(t *testing.T) {
	ghcr, client, done := setup(t, "Organization", false)
	defer done()
	digest := ghcr.Seed(pkg, mock.ImageManifest("a"), time.Now())
	id := ghcr.Versions(pkg)[0].ID

	if err := client.DeleteVersion(context.Background(), pkg, id, digest); err != nil {
		t.Fatal(err)
	}
	if len(ghcr.Versions(pkg)) != 0 {
		t.Fatal("version not deleted")
	}
	// first 404 after a success is tolerated
	if err := client.DeleteVersion(context.Background(), pkg, id, digest); err != nil {
		t.Fatalf("single 404 not tolerated: %s", err)
	}
	// a second consecutive 404 escalates
	if err := client.DeleteVersion(context.Background(), pkg, id, digest); err == nil {
		t.Fatal("second consecutive 404 not escalated")
	}
}

func TestDeleteVersionDryRun(t *testing.T) {
	ghcr, client, done := setup(t, "User", true)
	defer done()
	digest := ghcr.Seed(pkg, mock.ImageManifest("a"), time.Now())
	id := ghcr.Versions(pkg)[0].ID

	if err := client.DeleteVersion(context.Background(), pkg, id, digest); err != nil {
		t.Fatal(err)
	}
	if len(ghcr.Versions(pkg)) != 1 {
		t.Fatal("dry run deleted a version")
	}
	if ghcr.Deletes != 0 {
		t.Fatal("dry run reached the API")
	}
}

func TestListPackages(t *testing.T) {
	ghcr, client, done := setup(t, "Organization", false)
	defer done()
	ghcr.Seed("alpha", mock.ImageManifest("a"), time.Now())
	ghcr.Seed("beta", mock.ImageManifest("b"), time.Now())

	names, err := client.ListPackages(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("got %v", names)
	}
}
