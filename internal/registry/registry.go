// Package registry implements the Image Registry (C2, §4.2): an
// in-process index of built images keyed by (org, repo, branch), with a
// cached "latest" pointer and retention-by-count/age cleanup. Adapted
// from the teacher's pool-by-template indexing style
// (pkg/sandbox-manager/infra.Infrastructure.GetPoolByTemplate) and its
// hashing helper (core/infra/template.go's DeepHashObject, exported here
// as DeepHash; no tag or digest is derived from it) but built around Images rather than
// Kubernetes PodTemplates.
package registry

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/opencode-labs/sandbox-orchestrator/internal/config"
	"github.com/opencode-labs/sandbox-orchestrator/internal/errs"
)

// Image is an Image Registry entry (§3).
type Image struct {
	ID         string
	Tag        string
	Digest     string
	Repository string // "org/repo"
	Branch     string
	Commit     string
	BuiltAt    time.Time
	SizeBytes  int64
	Services   []string
	IsLatest   bool
	Labels     map[string]string
}

// ParsedTag is the result of parsing an image tag (§4.2).
type ParsedTag struct {
	Org       string
	Repo      string
	Branch    string
	Timestamp int64 // zero when IsLatest
	IsLatest  bool
}

var tagPattern = regexp.MustCompile(`^(?:[^/]+/)?opencode/([^/]+)/([^:]+):(.+)-([^-]+)$`)

// ParseTag parses `{registry?}/opencode/{org}/{repo}:{branch}-{suffix}`
// where suffix is either a decimal timestamp or the literal "latest"
// (§4.2). Returns ok=false if tag doesn't match the shape.
func ParseTag(tag string) (ParsedTag, bool) {
	m := tagPattern.FindStringSubmatch(tag)
	if m == nil {
		return ParsedTag{}, false
	}
	suffix := m[4]
	if suffix == "latest" {
		return ParsedTag{Org: m[1], Repo: m[2], Branch: m[3], IsLatest: true}, true
	}
	ts, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return ParsedTag{}, false
	}
	return ParsedTag{Org: m[1], Repo: m[2], Branch: m[3], Timestamp: ts}, true
}

// GenerateTag renders the canonical tag for (org, repo, branch, ts). A
// zero ts renders the "latest" variant (§4.2, §6).
func GenerateTag(org, repo, branch string, ts int64) string {
	suffix := "latest"
	if ts != 0 {
		suffix = strconv.FormatInt(ts, 10)
	}
	return fmt.Sprintf("opencode/%s/%s:%s-%s", org, repo, branch, suffix)
}

// DeepHash computes a stable digest of any value using the spew-printed
// representation, matching the teacher's ComputeHash/DeepHashObject
// technique of following pointers so the hash survives pointer churn.
func DeepHash(v any) string {
	hasher := fnv.New64a()
	printer := spew.ConfigState{Indent: " ", SortKeys: true, DisableMethods: true, SpewKeys: true}
	printer.Fprintf(hasher, "%#v", v)
	return fmt.Sprintf("%x", hasher.Sum64())
}

type key struct {
	repo, branch string
}

// Registry is the in-process Image Registry (C2).
type Registry struct {
	opts config.RegistryOptions

	mu          sync.RWMutex
	byID        map[string]*Image
	byTag       map[string]*Image
	byDigest    map[string]*Image
	latestByKey map[key]string // repo:branch -> image id
}

// New constructs a Registry with defaulted options.
func New(opts config.RegistryOptions) *Registry {
	return &Registry{
		opts:        config.InitRegistryOptions(opts),
		byID:        make(map[string]*Image),
		byTag:       make(map[string]*Image),
		byDigest:    make(map[string]*Image),
		latestByKey: make(map[key]string),
	}
}

// Register indexes img. If img.BuiltAt is >= any existing image for the
// same (repository, branch), it becomes latest and the previous latest is
// demoted — ties go to the new image (§4.2). Register is idempotent with
// respect to id collision: registering the same id again replaces the
// stored record in place without re-running promotion logic twice.
func (r *Registry) Register(img Image) Image {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := img // value copy owned by the registry
	k := key{repo: img.Repository, branch: img.Branch}

	if _, exists := r.byID[img.ID]; exists {
		r.removeLocked(img.ID)
	}

	currentLatestID, hasLatest := r.latestByKey[k]
	if !hasLatest {
		stored.IsLatest = true
	} else if currentLatest, ok := r.byID[currentLatestID]; ok {
		if !stored.BuiltAt.Before(currentLatest.BuiltAt) {
			stored.IsLatest = true
			currentLatest.IsLatest = false
		} else {
			stored.IsLatest = false
		}
	}

	rec := stored
	r.byID[rec.ID] = &rec
	r.byTag[rec.Tag] = &rec
	if rec.Digest != "" {
		r.byDigest[rec.Digest] = &rec
	}
	if rec.IsLatest {
		r.latestByKey[k] = rec.ID
	}
	return rec
}

// GetByID returns a copy of the image with the given id.
func (r *Registry) GetByID(id string) (Image, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.byID[id]
	if !ok {
		return Image{}, false
	}
	return *img, true
}

// GetByTag returns a copy of the image with the given tag.
func (r *Registry) GetByTag(tag string) (Image, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.byTag[tag]
	if !ok {
		return Image{}, false
	}
	return *img, true
}

// GetByDigest returns a copy of the image with the given digest.
func (r *Registry) GetByDigest(digest string) (Image, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.byDigest[digest]
	if !ok {
		return Image{}, false
	}
	return *img, true
}

// GetLatest returns the latest image for (repository, branch).
func (r *Registry) GetLatest(repository, branch string) (Image, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.latestByKey[key{repo: repository, branch: branch}]
	if !ok {
		return Image{}, false
	}
	img := r.byID[id]
	return *img, true
}

// ListQuery filters and paginates List (§4.2).
type ListQuery struct {
	Repository string
	Branch     string
	LatestOnly bool
	Limit      int
	Offset     int
}

// List returns images matching q, sorted by BuiltAt descending (§4.2,
// P3).
func (r *Registry) List(q ListQuery) []Image {
	r.mu.RLock()
	all := make([]Image, 0, len(r.byID))
	for _, img := range r.byID {
		if q.Repository != "" && img.Repository != q.Repository {
			continue
		}
		if q.Branch != "" && img.Branch != q.Branch {
			continue
		}
		if q.LatestOnly && !img.IsLatest {
			continue
		}
		all = append(all, *img)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].BuiltAt.After(all[j].BuiltAt) })

	if q.Offset > 0 {
		if q.Offset >= len(all) {
			return nil
		}
		all = all[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(all) {
		all = all[:q.Limit]
	}
	return all
}

// Delete removes an image by id. Deleting the latest image promotes the
// most recent remaining member of the same (repository, branch); if none
// remain, the latest pointer for that key is removed (§4.2).
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return errs.Newf(errs.NotFound, "image %s not found", id)
	}
	r.removeLocked(id)
	return nil
}

func (r *Registry) removeLocked(id string) {
	img, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byTag, img.Tag)
	if img.Digest != "" {
		delete(r.byDigest, img.Digest)
	}
	k := key{repo: img.Repository, branch: img.Branch}
	if r.latestByKey[k] != id {
		return
	}
	delete(r.latestByKey, k)
	var best *Image
	for _, candidate := range r.byID {
		if candidate.Repository != img.Repository || candidate.Branch != img.Branch {
			continue
		}
		if best == nil || candidate.BuiltAt.After(best.BuiltAt) {
			best = candidate
		}
	}
	if best != nil {
		best.IsLatest = true
		r.latestByKey[k] = best.ID
	}
}

// Cleanup applies retention across every (repository, branch) key:
// never delete the latest, delete everything beyond maxImagesPerBranch
// when sorted by BuiltAt descending, and delete anything older than
// maxImageAge (§4.2).
func (r *Registry) Cleanup(now time.Time) []string {
	r.mu.Lock()
	groups := make(map[key][]*Image)
	for _, img := range r.byID {
		k := key{repo: img.Repository, branch: img.Branch}
		groups[k] = append(groups[k], img)
	}

	var toDelete []string
	for _, members := range groups {
		sort.Slice(members, func(i, j int) bool { return members[i].BuiltAt.After(members[j].BuiltAt) })
		for idx, img := range members {
			if img.IsLatest {
				continue
			}
			if idx >= r.opts.MaxImagesPerBranch || now.Sub(img.BuiltAt) > r.opts.MaxImageAge {
				toDelete = append(toDelete, img.ID)
			}
		}
	}
	r.mu.Unlock()

	for _, id := range toDelete {
		_ = r.Delete(id)
	}
	return toDelete
}
