package registry

import (
	"sync"

	"github.com/dataaxiom/ghcr-cleanup-action/impl/oci"
)

// manifestCache memoises manifests by digest for the lifetime of one cleanup
// task. Every registry GET counts as a pull against the rate limit, so each
// manifest is fetched at most once per run.
type manifestCache struct {
	sync.RWMutex
	manifests map[string]oci.Manifest
}

func newManifestCache() *manifestCache {
	return &manifestCache{manifests: make(map[string]oci.Manifest)}
}

func (mc *manifestCache) get(digest string) (oci.Manifest, bool) {
	mc.RLock()
	defer mc.RUnlock()
	m, exists := mc.manifests[digest]
	return m, exists
}

func (mc *manifestCache) add(m oci.Manifest) {
	mc.Lock()
	defer mc.Unlock()
	mc.manifests[m.Digest] = m
}

func (mc *manifestCache) invalidate(digest string) {
	mc.Lock()
	defer mc.Unlock()
	delete(mc.manifests, digest)
}

func (mc *manifestCache) len() int {
	mc.RLock()
	defer mc.RUnlock()
	return len(mc.manifests)
}
