package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-labs/sandbox-orchestrator/internal/config"
)

func TestParseTag_RoundTrips(t *testing.T) {
	tag := GenerateTag("acme", "widgets", "main", 1700000000)
	parsed, ok := ParseTag(tag)
	require.True(t, ok)
	assert.Equal(t, "acme", parsed.Org)
	assert.Equal(t, "widgets", parsed.Repo)
	assert.Equal(t, "main", parsed.Branch)
	assert.Equal(t, int64(1700000000), parsed.Timestamp)
	assert.False(t, parsed.IsLatest)
}

func TestParseTag_LatestSuffix(t *testing.T) {
	parsed, ok := ParseTag("opencode/acme/widgets:main-latest")
	require.True(t, ok)
	assert.True(t, parsed.IsLatest)
}

func TestParseTag_WithRegistryPrefix(t *testing.T) {
	parsed, ok := ParseTag("registry.internal/opencode/acme/widgets:feature-foo-1700000000")
	require.True(t, ok)
	assert.Equal(t, "acme", parsed.Org)
	assert.Equal(t, "widgets", parsed.Repo)
	assert.Equal(t, "feature-foo", parsed.Branch)
}

func TestParseTag_RejectsMalformed(t *testing.T) {
	_, ok := ParseTag("not-an-image-tag")
	assert.False(t, ok)
}

func TestRegister_FirstImageIsLatest(t *testing.T) {
	r := New(config.RegistryOptions{})
	img := r.Register(Image{ID: "img-1", Repository: "acme/widgets", Branch: "main", BuiltAt: time.Unix(100, 0)})
	assert.True(t, img.IsLatest)

	got, ok := r.GetLatest("acme/widgets", "main")
	require.True(t, ok)
	assert.Equal(t, "img-1", got.ID)
}

func TestRegister_NewerImageDemotesPrevious(t *testing.T) {
	r := New(config.RegistryOptions{})
	r.Register(Image{ID: "img-1", Repository: "acme/widgets", Branch: "main", BuiltAt: time.Unix(100, 0)})
	r.Register(Image{ID: "img-2", Repository: "acme/widgets", Branch: "main", BuiltAt: time.Unix(200, 0)})

	latest, ok := r.GetLatest("acme/widgets", "main")
	require.True(t, ok)
	assert.Equal(t, "img-2", latest.ID)

	old, ok := r.GetByID("img-1")
	require.True(t, ok)
	assert.False(t, old.IsLatest)
}

func TestRegister_TieGoesToNewRegistration(t *testing.T) {
	r := New(config.RegistryOptions{})
	ts := time.Unix(500, 0)
	r.Register(Image{ID: "img-1", Repository: "acme/widgets", Branch: "main", BuiltAt: ts})
	r.Register(Image{ID: "img-2", Repository: "acme/widgets", Branch: "main", BuiltAt: ts})

	latest, ok := r.GetLatest("acme/widgets", "main")
	require.True(t, ok)
	assert.Equal(t, "img-2", latest.ID)
}

func TestList_SortedByBuiltAtDescending(t *testing.T) {
	r := New(config.RegistryOptions{})
	r.Register(Image{ID: "img-1", Repository: "acme/widgets", Branch: "main", BuiltAt: time.Unix(100, 0)})
	r.Register(Image{ID: "img-2", Repository: "acme/widgets", Branch: "main", BuiltAt: time.Unix(300, 0)})
	r.Register(Image{ID: "img-3", Repository: "acme/widgets", Branch: "main", BuiltAt: time.Unix(200, 0)})

	list := r.List(ListQuery{Repository: "acme/widgets", Branch: "main"})
	require.Len(t, list, 3)
	assert.Equal(t, "img-2", list[0].ID)
	assert.Equal(t, "img-3", list[1].ID)
	assert.Equal(t, "img-1", list[2].ID)
}

func TestList_RespectsLimitAndOffset(t *testing.T) {
	r := New(config.RegistryOptions{})
	for i := 0; i < 5; i++ {
		r.Register(Image{ID: string(rune('a' + i)), Repository: "acme/widgets", Branch: "main", BuiltAt: time.Unix(int64(i), 0)})
	}
	list := r.List(ListQuery{Repository: "acme/widgets", Branch: "main", Limit: 2, Offset: 1})
	require.Len(t, list, 2)
}

func TestDelete_PromotesNextMostRecent(t *testing.T) {
	r := New(config.RegistryOptions{})
	r.Register(Image{ID: "img-1", Repository: "acme/widgets", Branch: "main", BuiltAt: time.Unix(100, 0)})
	r.Register(Image{ID: "img-2", Repository: "acme/widgets", Branch: "main", BuiltAt: time.Unix(200, 0)})

	require.NoError(t, r.Delete("img-2"))

	latest, ok := r.GetLatest("acme/widgets", "main")
	require.True(t, ok)
	assert.Equal(t, "img-1", latest.ID)
}

func TestDelete_LastImageClearsLatest(t *testing.T) {
	r := New(config.RegistryOptions{})
	r.Register(Image{ID: "img-1", Repository: "acme/widgets", Branch: "main", BuiltAt: time.Unix(100, 0)})
	require.NoError(t, r.Delete("img-1"))

	_, ok := r.GetLatest("acme/widgets", "main")
	assert.False(t, ok)
}

func TestDelete_UnknownReturnsNotFound(t *testing.T) {
	r := New(config.RegistryOptions{})
	err := r.Delete("missing")
	assert.Error(t, err)
}

func TestCleanup_NeverDeletesLatest(t *testing.T) {
	r := New(config.RegistryOptions{MaxImagesPerBranch: 1, MaxImageAge: time.Hour})
	r.Register(Image{ID: "img-1", Repository: "acme/widgets", Branch: "main", BuiltAt: time.Unix(100, 0)})

	deleted := r.Cleanup(time.Unix(100, 0).Add(2 * time.Hour))
	assert.Empty(t, deleted)

	_, ok := r.GetByID("img-1")
	assert.True(t, ok)
}

func TestCleanup_DeletesBeyondMaxPerBranch(t *testing.T) {
	r := New(config.RegistryOptions{MaxImagesPerBranch: 1, MaxImageAge: 24 * time.Hour})
	r.Register(Image{ID: "img-1", Repository: "acme/widgets", Branch: "main", BuiltAt: time.Unix(100, 0)})
	r.Register(Image{ID: "img-2", Repository: "acme/widgets", Branch: "main", BuiltAt: time.Unix(200, 0)})

	deleted := r.Cleanup(time.Unix(200, 0))
	assert.ElementsMatch(t, []string{"img-1"}, deleted)
}

func TestCleanup_DeletesOlderThanMaxAge(t *testing.T) {
	r := New(config.RegistryOptions{MaxImagesPerBranch: 10, MaxImageAge: time.Hour})
	r.Register(Image{ID: "img-1", Repository: "acme/widgets", Branch: "main", BuiltAt: time.Unix(0, 0)})
	r.Register(Image{ID: "img-2", Repository: "acme/widgets", Branch: "main", BuiltAt: time.Unix(0, 0).Add(2 * time.Hour)})

	deleted := r.Cleanup(time.Unix(0, 0).Add(2 * time.Hour))
	assert.ElementsMatch(t, []string{"img-1"}, deleted)
}

func TestDeepHash_StableAcrossCalls(t *testing.T) {
	v := struct {
		A string
		B int
	}{A: "x", B: 1}
	assert.Equal(t, DeepHash(v), DeepHash(v))
}

func TestDeepHash_DiffersOnChange(t *testing.T) {
	a := struct{ A string }{A: "x"}
	b := struct{ A string }{A: "y"}
	assert.NotEqual(t, DeepHash(a), DeepHash(b))
}
