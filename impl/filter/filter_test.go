package filter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dataaxiom/ghcr-cleanup-action/impl/config"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/executor"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/graph"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/helpers"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/packages"
	"github.com/dataaxiom/ghcr-cleanup-action/impl/registry"
	"github.com/dataaxiom/ghcr-cleanup-action/mock"
)

const (
	owner = "dataaxiom"
	pkg   = "tiny"
)

type harness struct {
	ghcr *mock.Registry
	idx  *packages.Index
	reg  *registry.Client
	exec *executor.Executor
	done func()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ghcr := mock.NewRegistry(owner, "User", mock.NONE)
	server := ghcr.Server()
	pkgClient, err := packages.NewClient(context.Background(), server.URL, "token-value", owner, false)
	if err != nil {
		server.Close()
		t.Fatal(err)
	}
	idx := packages.NewIndex(pkgClient, pkg)
	reg := registry.NewClient(server.URL, owner, pkg, "token-value")
	return &harness{
		ghcr: ghcr,
		idx:  idx,
		reg:  reg,
		exec: executor.NewExecutor(reg, pkgClient, idx),
		done: server.Close,
	}
}

func (h *harness) run(t *testing.T, cfg config.Configuration) *Result {
	t.Helper()
	if err := h.idx.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.reg.SetResolver(h.idx)
	builder := graph.NewBuilder(h.reg, h.idx)
	result, err := NewPipeline(cfg, h.idx, builder, h.reg, h.exec).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return result
}

func testConfig() config.Configuration {
	cfg := config.NewConfiguration()
	cfg.Token = "ghp_testtoken"
	cfg.Owner = owner
	cfg.Packages = pkg
	return cfg
}

func deleteUntaggedConfig() config.Configuration {
	cfg := testConfig()
	enabled := true
	cfg.DeleteUntagged = &enabled
	return cfg
}

// Default policy over a package with one tagged and four untagged versions:
// the untagged ones go, the tagged one stays.
func TestDeleteUntaggedByDefault(t *testing.T) {
	h := newHarness(t)
	defer h.done()
	now := time.Now()
	kept := h.ghcr.Seed(pkg, mock.ImageManifest("tagged"), now, "dummy")
	var doomed []string
	for i := 0; i < 4; i++ {
		doomed = append(doomed, h.ghcr.Seed(pkg, mock.ImageManifest(fmt.Sprintf("u%d", i)), now))
	}
	cfg := testConfig()
	if err := cfg.Check(); err != nil {
		t.Fatal(err)
	}
	result := h.run(t, cfg)
	if len(result.DeleteSet) != 4 {
		t.Fatalf("delete set: %v", result.DeleteSet)
	}
	for _, digest := range doomed {
		if !result.DeleteSet[digest] {
			t.Errorf("untagged %s not selected", helpers.ShortDigest(digest))
		}
	}
	if result.DeleteSet[kept] {
		t.Fatal("tagged version selected")
	}
}

// Excluded tags dominate every later stage.
func TestExcludeBeatsDeleteTags(t *testing.T) {
	h := newHarness(t)
	defer h.done()
	d := h.ghcr.Seed(pkg, mock.ImageManifest("a"), time.Now(), "dummy")
	cfg := testConfig()
	cfg.DeleteTags = "dummy"
	cfg.ExcludeTags = "dummy"
	result := h.run(t, cfg)
	if len(result.DeleteSet) != 0 {
		t.Fatalf("excluded digest selected: %v", result.DeleteSet)
	}
	if !result.ExcludedTags["dummy"] {
		t.Fail()
	}
	_ = d
}

func TestAgeFilterBoundaries(t *testing.T) {
	h := newHarness(t)
	defer h.done()
	// all versions are at least one minute old
	for i := 0; i < 3; i++ {
		h.ghcr.Seed(pkg, mock.ImageManifest(fmt.Sprintf("u%d", i)), time.Now().Add(-time.Minute))
	}

	cfg := deleteUntaggedConfig()
	cfg.OlderThan = "30 years"
	cfg.OlderThanDuration = 30 * 365 * 24 * time.Hour
	if result := h.run(t, cfg); len(result.DeleteSet) != 0 {
		t.Fatalf("nothing is 30 years old, but delete set has %d", len(result.DeleteSet))
	}

	cfg = deleteUntaggedConfig()
	cfg.OlderThan = "1 second"
	cfg.OlderThanDuration = time.Second
	if result := h.run(t, cfg); len(result.DeleteSet) != 3 {
		t.Fatalf("all candidates are older than a second, delete set: %v", result.DeleteSet)
	}
}

// Ten tagged versions, keep the newest two; the excluded tag survives in
// addition to the kept window.
func TestKeepNtaggedWithExclude(t *testing.T) {
	h := newHarness(t)
	defer h.done()
	now := time.Now()
	digests := make([]string, 10)
	for i := 0; i < 10; i++ {
		// v1 is the newest
		tags := []string{fmt.Sprintf("v%d", i+1)}
		if i == 2 {
			tags = append(tags, "dummy")
		}
		digests[i] = h.ghcr.Seed(pkg, mock.ImageManifest(fmt.Sprintf("t%d", i)),
			now.Add(-time.Duration(i)*time.Hour), tags...)
	}
	cfg := testConfig()
	cfg.KeepNtagged = 2
	cfg.ExcludeTags = "dummy"
	result := h.run(t, cfg)

	for _, survivor := range []string{digests[0], digests[1], digests[2]} {
		if result.DeleteSet[survivor] {
			t.Errorf("%s should survive", helpers.ShortDigest(survivor))
		}
	}
	if len(result.DeleteSet) != 7 {
		t.Fatalf("expected 7 deletions, got %d", len(result.DeleteSet))
	}
	for i := 3; i < 10; i++ {
		if !result.DeleteSet[digests[i]] {
			t.Errorf("v%d should be deleted", i+1)
		}
	}
}

func TestKeepNuntagged(t *testing.T) {
	h := newHarness(t)
	defer h.done()
	now := time.Now()
	var digests []string
	for i := 0; i < 5; i++ {
		digests = append(digests, h.ghcr.Seed(pkg, mock.ImageManifest(fmt.Sprintf("u%d", i)),
			now.Add(-time.Duration(i)*time.Hour)))
	}
	tagged := h.ghcr.Seed(pkg, mock.ImageManifest("tagged"), now, "latest")

	cfg := testConfig()
	cfg.KeepNuntagged = 2
	result := h.run(t, cfg)
	if len(result.DeleteSet) != 3 {
		t.Fatalf("delete set: %v", result.DeleteSet)
	}
	for _, kept := range []string{digests[0], digests[1], tagged} {
		if result.DeleteSet[kept] {
			t.Fail()
		}
	}
}

// keep-n-untagged of zero behaves like delete-untagged.
func TestKeepZeroUntagged(t *testing.T) {
	h := newHarness(t)
	defer h.done()
	for i := 0; i < 3; i++ {
		h.ghcr.Seed(pkg, mock.ImageManifest(fmt.Sprintf("u%d", i)), time.Now())
	}
	cfg := testConfig()
	cfg.KeepNuntagged = 0
	if result := h.run(t, cfg); len(result.DeleteSet) != 3 {
		t.Fail()
	}
}

func TestGhostAndPartialImages(t *testing.T) {
	h := newHarness(t)
	defer h.done()
	now := time.Now()
	present := h.ghcr.Seed(pkg, mock.ImageManifest("present"), now)
	missing1 := "sha256:00000000000000000000000000000000000000000000000000000000000000aa"
	missing2 := "sha256:00000000000000000000000000000000000000000000000000000000000000bb"
	ghost := h.ghcr.Seed(pkg, mock.IndexManifest(missing1, missing2), now, "ghost")
	partial := h.ghcr.Seed(pkg, mock.IndexManifest(present, missing2), now, "partial")
	intact := h.ghcr.Seed(pkg, mock.IndexManifest(present), now, "intact")

	// ghost mode selects only the ghost
	cfg := testConfig()
	cfg.DeleteGhostImages = true
	result := h.run(t, cfg)
	if !result.DeleteSet[ghost] || result.DeleteSet[partial] || result.DeleteSet[intact] {
		t.Fatalf("ghost mode selected: %v", result.DeleteSet)
	}

	// partial mode subsumes ghost
	cfg = testConfig()
	cfg.DeletePartialImages = true
	result = h.run(t, cfg)
	if !result.DeleteSet[ghost] || !result.DeleteSet[partial] {
		t.Fatalf("partial mode selected: %v", result.DeleteSet)
	}
	if result.DeleteSet[intact] {
		t.Fail()
	}
}

func TestOrphanedReferrers(t *testing.T) {
	h := newHarness(t)
	defer h.done()
	now := time.Now()
	subject := h.ghcr.Seed(pkg, mock.ImageManifest("subject"), now, "latest")
	liveRef := h.ghcr.Seed(pkg, mock.AttestationManifest("live"), now, helpers.ReferrerTagPrefix(subject))
	gone := "sha256:00000000000000000000000000000000000000000000000000000000000000cc"
	orphan := h.ghcr.Seed(pkg, mock.AttestationManifest("orphan"), now, "sha256-"+helpers.GetHexFrom(gone))

	cfg := testConfig()
	cfg.DeleteOrphanedImages = true
	result := h.run(t, cfg)
	if !result.DeleteSet[orphan] {
		t.Fatal("orphaned referrer not selected")
	}
	if result.DeleteSet[liveRef] || result.DeleteSet[subject] {
		t.Fatalf("live artifacts selected: %v", result.DeleteSet)
	}
}

// delete-tags on a single-tagged version is a standard delete.
func TestDeleteByTagStandard(t *testing.T) {
	h := newHarness(t)
	defer h.done()
	now := time.Now()
	doomed := h.ghcr.Seed(pkg, mock.ImageManifest("a"), now, "image1")
	kept := h.ghcr.Seed(pkg, mock.ImageManifest("b"), now, "image2")

	cfg := testConfig()
	cfg.DeleteTags = "image1"
	result := h.run(t, cfg)
	if !result.DeleteSet[doomed] || result.DeleteSet[kept] {
		t.Fatalf("delete set: %v", result.DeleteSet)
	}
}

// delete-tags on a multi-tagged version runs the untag protocol: the version
// survives with its remaining tags, the matched tags stop resolving, and the
// transient versions are cleaned up within the run.
func TestDeleteByTagUntagsMultiTagged(t *testing.T) {
	h := newHarness(t)
	defer h.done()
	now := time.Now()
	c1 := h.ghcr.Seed(pkg, mock.ImageManifest("c1"), now)
	index := h.ghcr.Seed(pkg, mock.IndexManifest(c1), now, "tag1", "tag2", "tag3")

	cfg := testConfig()
	cfg.DeleteTags = "tag1,tag2"
	result := h.run(t, cfg)

	if len(result.DeleteSet) != 0 {
		t.Fatalf("the index must survive, delete set: %v", result.DeleteSet)
	}
	tags := h.ghcr.Tags(pkg)
	if _, exists := tags["tag1"]; exists {
		t.Fatal("tag1 still resolves")
	}
	if _, exists := tags["tag2"]; exists {
		t.Fatal("tag2 still resolves")
	}
	if tags["tag3"] != index {
		t.Fatal("tag3 no longer points at the index")
	}
	// nothing but the original two versions is left behind
	if len(h.ghcr.Versions(pkg)) != 2 {
		t.Fatalf("transient versions left behind: %+v", h.ghcr.Versions(pkg))
	}
}

func TestWildcardAndRegexMatching(t *testing.T) {
	h := newHarness(t)
	defer h.done()
	now := time.Now()
	v1 := h.ghcr.Seed(pkg, mock.ImageManifest("a"), now, "v1.0")
	v2 := h.ghcr.Seed(pkg, mock.ImageManifest("b"), now, "v2.0")
	latest := h.ghcr.Seed(pkg, mock.ImageManifest("c"), now, "latest")

	cfg := testConfig()
	cfg.DeleteTags = "v*"
	result := h.run(t, cfg)
	if !result.DeleteSet[v1] || !result.DeleteSet[v2] || result.DeleteSet[latest] {
		t.Fatalf("wildcard selection: %v", result.DeleteSet)
	}

	h2 := newHarness(t)
	defer h2.done()
	r1 := h2.ghcr.Seed(pkg, mock.ImageManifest("a"), now, "v1.0")
	r2 := h2.ghcr.Seed(pkg, mock.ImageManifest("b"), now, "v2.0")
	rLatest := h2.ghcr.Seed(pkg, mock.ImageManifest("c"), now, "latest")
	cfg = testConfig()
	cfg.UseRegex = true
	cfg.DeleteTags = `^v[0-9]+\.[0-9]+$`
	result = h2.run(t, cfg)
	if !result.DeleteSet[r1] || !result.DeleteSet[r2] || result.DeleteSet[rLatest] {
		t.Fatalf("regex selection: %v", result.DeleteSet)
	}
}

// Children of an index never enter the candidate set even when untagged.
func TestChildrenNotPolicyCandidates(t *testing.T) {
	h := newHarness(t)
	defer h.done()
	now := time.Now()
	c1 := h.ghcr.Seed(pkg, mock.ImageManifest("c1"), now)
	c2 := h.ghcr.Seed(pkg, mock.ImageManifest("c2"), now)
	h.ghcr.Seed(pkg, mock.IndexManifest(c1, c2), now, "latest")

	result := h.run(t, deleteUntaggedConfig())
	if len(result.DeleteSet) != 0 {
		t.Fatalf("children selected by untagged policy: %v", result.DeleteSet)
	}
}

// keep-n-tagged and keep-n-untagged both zero with an exclusion: everything
// except the excluded tag's version goes.
func TestKeepZeroEverythingButExcluded(t *testing.T) {
	h := newHarness(t)
	defer h.done()
	now := time.Now()
	kept := h.ghcr.Seed(pkg, mock.ImageManifest("kept"), now, "dummy")
	tagged := h.ghcr.Seed(pkg, mock.ImageManifest("tagged"), now, "v1")
	untagged := h.ghcr.Seed(pkg, mock.ImageManifest("untagged"), now)

	cfg := testConfig()
	cfg.KeepNtagged = 0
	cfg.KeepNuntagged = 0
	cfg.ExcludeTags = "dummy"
	result := h.run(t, cfg)
	if result.DeleteSet[kept] {
		t.Fatal("excluded version selected")
	}
	if !result.DeleteSet[tagged] || !result.DeleteSet[untagged] {
		t.Fatalf("delete set: %v", result.DeleteSet)
	}
}
