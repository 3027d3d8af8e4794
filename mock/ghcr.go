package mock

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
)

// AuthType selects whether the distribution endpoints demand the bearer
// login flow.
type AuthType string

const (
	BEARER AuthType = "bearer auth"
	NONE   AuthType = "no auth"
)

// Token is the scoped registry token the mock hands out on login.
const Token = "mock-registry-token"

// Version is one stored package version.
type Version struct {
	ID        int64
	Digest    string
	UpdatedAt time.Time
}

// PackageStore holds one package's state: versions by id, manifests by
// digest, and the tag bindings.
type PackageStore struct {
	nextID    int64
	versions  map[int64]*Version
	manifests map[string][]byte
	tags      map[string]string
}

// Registry is the in-memory GHCR double.
type Registry struct {
	sync.Mutex
	Owner     string
	OwnerType string // "User" or "Organization"
	Auth      AuthType
	// login reported by GET /user, for authenticated-user endpoint tests
	AuthenticatedUser string
	// count of delete calls that reached the packages API
	Deletes int
	// count of manifest GETs served, for cache assertions
	ManifestGets int

	packages map[string]*PackageStore
}

// NewRegistry creates an empty double for one owner.
func NewRegistry(owner string, ownerType string, auth AuthType) *Registry {
	return &Registry{
		Owner:             owner,
		OwnerType:         ownerType,
		Auth:              auth,
		AuthenticatedUser: "somebody-else",
		packages:          make(map[string]*PackageStore),
	}
}

// Package returns the named package's store, creating it on first use.
func (r *Registry) Package(name string) *PackageStore {
	r.Lock()
	defer r.Unlock()
	return r.pkg(name)
}

func (r *Registry) pkg(name string) *PackageStore {
	store, exists := r.packages[name]
	if !exists {
		store = &PackageStore{
			versions:  make(map[int64]*Version),
			manifests: make(map[string][]byte),
			tags:      make(map[string]string),
		}
		r.packages[name] = store
	}
	return store
}

// Seed registers a manifest as a package version and binds the passed tags
// to it. Returns the computed digest.
func (r *Registry) Seed(pkg string, manifest []byte, updatedAt time.Time, tags ...string) string {
	r.Lock()
	defer r.Unlock()
	store := r.pkg(pkg)
	dgst := digest.FromBytes(manifest).String()
	store.manifests[dgst] = manifest
	store.nextID++
	store.versions[store.nextID] = &Version{ID: store.nextID, Digest: dgst, UpdatedAt: updatedAt}
	for _, tag := range tags {
		store.tags[tag] = dgst
	}
	return dgst
}

// SeedVersionOnly registers a package version whose manifest is missing from
// the registry side.
func (r *Registry) SeedVersionOnly(pkg string, dgst string, updatedAt time.Time, tags ...string) {
	r.Lock()
	defer r.Unlock()
	store := r.pkg(pkg)
	store.nextID++
	store.versions[store.nextID] = &Version{ID: store.nextID, Digest: dgst, UpdatedAt: updatedAt}
	for _, tag := range tags {
		store.tags[tag] = dgst
	}
}

// Versions returns the package's versions sorted by id.
func (r *Registry) Versions(pkg string) []Version {
	r.Lock()
	defer r.Unlock()
	store := r.pkg(pkg)
	versions := make([]Version, 0, len(store.versions))
	for _, v := range store.versions {
		versions = append(versions, *v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].ID < versions[j].ID })
	return versions
}

// Digests returns the set of digests that exist as versions.
func (r *Registry) Digests(pkg string) map[string]bool {
	digests := make(map[string]bool)
	for _, v := range r.Versions(pkg) {
		digests[v.Digest] = true
	}
	return digests
}

// Tags returns the package's live tag bindings.
func (r *Registry) Tags(pkg string) map[string]string {
	r.Lock()
	defer r.Unlock()
	tags := make(map[string]string)
	for tag, dgst := range r.pkg(pkg).tags {
		tags[tag] = dgst
	}
	return tags
}

// tagsOf computes the tags bound to a digest.
func (store *PackageStore) tagsOf(dgst string) []string {
	tags := []string{}
	for tag, bound := range store.tags {
		if bound == dgst {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// Server starts the double. Point both the registry client's base URL and
// the packages client's API URL at the returned server's URL.
func (r *Registry) Server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(r.handle))
}

func (r *Registry) handle(w http.ResponseWriter, req *http.Request) {
	path := req.URL.Path
	switch {
	case strings.HasPrefix(path, "/v2/"):
		r.handleDistribution(w, req)
	default:
		r.handleAPI(w, req)
	}
}

// ---- distribution side ----

func (r *Registry) handleDistribution(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == "/v2/auth" {
		if _, _, ok := req.BasicAuth(); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"token":%q}`, Token)
		return
	}
	if r.Auth == BEARER && req.Header.Get("Authorization") != "Bearer "+Token {
		authUrl := `Bearer realm="http://%s/v2/auth",service="mock-registry",scope="repository:%s:pull,push"`
		w.Header().Set("Www-Authenticate", fmt.Sprintf(authUrl, req.Host, strings.TrimPrefix(req.URL.Path, "/v2/")))
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":[{"code":"UNAUTHORIZED","message":"authentication required"}]}`))
		return
	}
	// /v2/{owner}/{package...}/manifests/{reference}
	parts := strings.Split(strings.TrimPrefix(req.URL.Path, "/v2/"), "/manifests/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	repo, ref := parts[0], parts[1]
	pkg := strings.TrimPrefix(repo, r.Owner+"/")
	r.Lock()
	defer r.Unlock()
	store := r.pkg(pkg)
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		r.ManifestGets++
		dgst := ref
		if !strings.HasPrefix(ref, "sha256:") {
			bound, exists := store.tags[ref]
			if !exists {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			dgst = bound
		}
		manifest, exists := store.manifests[dgst]
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Docker-Content-Digest", dgst)
		w.Header().Set("Content-Type", "application/json")
		w.Write(manifest)
	case http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		dgst := digest.FromBytes(body).String()
		store.manifests[dgst] = body
		found := false
		for _, v := range store.versions {
			if v.Digest == dgst {
				found = true
			}
		}
		if !found {
			store.nextID++
			store.versions[store.nextID] = &Version{ID: store.nextID, Digest: dgst, UpdatedAt: time.Now()}
		}
		store.tags[ref] = dgst
		w.Header().Set("Docker-Content-Digest", dgst)
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ---- packages API side ----

func (r *Registry) handleAPI(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	path := req.URL.Path
	switch {
	case path == "/user":
		fmt.Fprintf(w, `{"login":%q,"type":"User"}`, r.AuthenticatedUser)
	case path == "/users/"+r.Owner && req.Method == http.MethodGet:
		fmt.Fprintf(w, `{"login":%q,"type":%q}`, r.Owner, r.OwnerType)
	case strings.HasSuffix(path, "/packages"):
		r.servePackageList(w)
	case strings.Contains(path, "/packages/container/"):
		r.servePackage(w, req)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (r *Registry) servePackageList(w http.ResponseWriter) {
	r.Lock()
	defer r.Unlock()
	names := make([]string, 0, len(r.packages))
	for name := range r.packages {
		names = append(names, name)
	}
	sort.Strings(names)
	type pkgJSON struct {
		Name string `json:"name"`
	}
	out := make([]pkgJSON, 0, len(names))
	for _, name := range names {
		out = append(out, pkgJSON{Name: name})
	}
	json.NewEncoder(w).Encode(out)
}

// servePackage handles .../packages/container/{pkg}/versions[/{id}]
func (r *Registry) servePackage(w http.ResponseWriter, req *http.Request) {
	rest := req.URL.Path[strings.Index(req.URL.Path, "/packages/container/")+len("/packages/container/"):]
	pkgEnc, versionPart, _ := strings.Cut(rest, "/versions")
	pkg, err := url.PathUnescape(pkgEnc)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.Lock()
	defer r.Unlock()
	store, exists := r.packages[pkg]
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if req.Method == http.MethodDelete {
		id, err := strconv.ParseInt(strings.TrimPrefix(versionPart, "/"), 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.Deletes++
		v, exists := store.versions[id]
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"Not Found"}`))
			return
		}
		delete(store.versions, id)
		delete(store.manifests, v.Digest)
		for tag, bound := range store.tags {
			if bound == v.Digest {
				delete(store.tags, tag)
			}
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	// paginated version listing
	versions := make([]*Version, 0, len(store.versions))
	for _, v := range store.versions {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].ID > versions[j].ID })

	query := req.URL.Query()
	perPage := 30
	if n, err := strconv.Atoi(query.Get("per_page")); err == nil && n > 0 {
		perPage = n
	}
	page := 1
	if n, err := strconv.Atoi(query.Get("page")); err == nil && n > 0 {
		page = n
	}
	start := (page - 1) * perPage
	end := start + perPage
	if start > len(versions) {
		start = len(versions)
	}
	if end > len(versions) {
		end = len(versions)
	}
	if end < len(versions) {
		next := *req.URL
		values := next.Query()
		values.Set("page", strconv.Itoa(page+1))
		next.RawQuery = values.Encode()
		w.Header().Set("Link", fmt.Sprintf(`<http://%s%s>; rel="next"`, req.Host, next.String()))
	}

	type containerJSON struct {
		Tags []string `json:"tags"`
	}
	type metadataJSON struct {
		PackageType string        `json:"package_type"`
		Container   containerJSON `json:"container"`
	}
	type versionJSON struct {
		ID        int64        `json:"id"`
		Name      string       `json:"name"`
		UpdatedAt time.Time    `json:"updated_at"`
		Metadata  metadataJSON `json:"metadata"`
	}
	out := make([]versionJSON, 0, end-start)
	for _, v := range versions[start:end] {
		out = append(out, versionJSON{
			ID:        v.ID,
			Name:      v.Digest,
			UpdatedAt: v.UpdatedAt,
			Metadata: metadataJSON{
				PackageType: "container",
				Container:   containerJSON{Tags: store.tagsOf(v.Digest)},
			},
		})
	}
	json.NewEncoder(w).Encode(out)
}
