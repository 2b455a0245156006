package classify

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optiview/optiview-edge/internal/rules"
)

func testManifest() *rules.Manifest {
	return &rules.Manifest{
		Version: 3,
		UAPatterns: []rules.UAPattern{
			{Needle: "ChatGPT-User", SourceName: "chatgpt", Category: "assistant", Confidence: 0.98},
			{Needle: "ClaudeBot", SourceName: "claude", Category: "crawler", Confidence: 0.95},
		},
		RefererHeuristics: []rules.RefererHeuristic{
			{Needle: "chat.openai.com", Class: "human_via_ai", SourceName: "chatgpt"},
		},
		HeaderHeuristics: []rules.HeaderHeuristic{
			{Header: "X-AI-Client", Value: "*", SourceName: "generic-ai"},
		},
	}
}

func newTestClassifier(t *testing.T, manifest *rules.Manifest) (*Classifier, *rules.MemoryStore) {
	t.Helper()

	store := rules.NewMemoryStore(zerolog.Nop())
	if manifest != nil {
		require.NoError(t, store.SetManifest(context.Background(), manifest))
	}
	return New(store, zerolog.Nop()), store
}

func TestClassifyUAPattern(t *testing.T) {
	t.Parallel()

	c, _ := newTestClassifier(t, testManifest())
	got := c.Classify(context.Background(), "ChatGPT-User/1.0", "", http.Header{})

	require.Equal(t, ClassAIAgentCrawl, got.Class)
	require.Equal(t, "chatgpt", got.SourceName)
	require.InDelta(t, 0.98, got.Confidence, 1e-9)
}

func TestClassifyEmptyUA(t *testing.T) {
	t.Parallel()

	c, _ := newTestClassifier(t, testManifest())
	got := c.Classify(context.Background(), "", "", http.Header{})

	require.Equal(t, ClassUnknownAILike, got.Class)
	require.InDelta(t, 0.3, got.Confidence, 1e-9)
}

func TestClassifyRefererHeuristic(t *testing.T) {
	t.Parallel()

	c, _ := newTestClassifier(t, testManifest())
	ua := "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Safari/605.1.15"
	got := c.Classify(context.Background(), ua, "https://chat.openai.com/c/abc", http.Header{})

	require.Equal(t, ClassHumanViaAI, got.Class)
	require.InDelta(t, 0.7, got.Confidence, 1e-9)
}

func TestClassifyHeaderHeuristic(t *testing.T) {
	t.Parallel()

	c, _ := newTestClassifier(t, testManifest())
	ua := "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Safari/605.1.15"
	headers := http.Header{}
	headers.Set("X-AI-Client", "anything")
	got := c.Classify(context.Background(), ua, "", headers)

	require.Equal(t, ClassAIAgentCrawl, got.Class)
	require.InDelta(t, 0.6, got.Confidence, 1e-9)
}

func TestClassifyUnknownAILikeShapes(t *testing.T) {
	t.Parallel()

	c, _ := newTestClassifier(t, testManifest())
	cases := []string{
		"curl",                            // bare short token
		"MyCrawler/1.0",                   // keyword
		"abcdefghij1234567890XYZZZZ",      // all alphanumeric
		"tool/x9f3kq8mz27dh41vp6yw0rstuv", // long alphanumeric run
		"クローラー",                           // short token counted in runes, not bytes
	}
	for _, ua := range cases {
		got := c.Classify(context.Background(), ua, "", http.Header{})
		assert.Equal(t, ClassUnknownAILike, got.Class, "ua %q", ua)
		assert.InDelta(t, 0.3, got.Confidence, 1e-9, "ua %q", ua)
	}
}

func TestClassifyDirectHumanDefault(t *testing.T) {
	t.Parallel()

	c, _ := newTestClassifier(t, testManifest())
	ua := "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Safari/605.1.15"
	got := c.Classify(context.Background(), ua, "", http.Header{})

	require.Equal(t, ClassDirectHuman, got.Class)
	require.InDelta(t, 1.0, got.Confidence, 1e-9)
}

// Classification is a pure function of its inputs against an unchanged
// manifest, and confidence always stays in [0,1].
func TestClassifyPureAndBounded(t *testing.T) {
	t.Parallel()

	c, _ := newTestClassifier(t, testManifest())
	inputs := []struct {
		ua, referer string
	}{
		{"ChatGPT-User/1.0", ""},
		{"", ""},
		{"Mozilla/5.0 (X11; Linux x86_64) Firefox/121.0", "https://chat.openai.com/"},
		{"spider-thing", ""},
		{"xx", ""},
	}
	for _, in := range inputs {
		first := c.Classify(context.Background(), in.ua, in.referer, http.Header{})
		second := c.Classify(context.Background(), in.ua, in.referer, http.Header{})
		assert.Equal(t, first, second, "ua %q", in.ua)
		assert.GreaterOrEqual(t, first.Confidence, 0.0)
		assert.LessOrEqual(t, first.Confidence, 1.0)
		assert.Contains(t, []Class{
			ClassAIAgentCrawl, ClassHumanViaAI, ClassDirectHuman, ClassUnknownAILike,
		}, first.Class)
	}
}

func TestClassifyFailOpenWithoutManifest(t *testing.T) {
	t.Parallel()

	c, _ := newTestClassifier(t, nil)

	// No manifest loaded: the pattern tiers cannot match, so a known agent
	// UA degrades to the default tiers instead of being rejected.
	got := c.Classify(context.Background(), "ChatGPT-User/1.0", "", http.Header{})
	require.Equal(t, ClassDirectHuman, got.Class)

	// The shape tier needs no manifest and still works.
	keyword := c.Classify(context.Background(), "SomeAgentTool/2.0", "", http.Header{})
	require.Equal(t, ClassUnknownAILike, keyword.Class)

	human := c.Classify(context.Background(),
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Safari/605.1.15", "", http.Header{})
	require.Equal(t, ClassDirectHuman, human.Class)
}

func TestManifestRefreshOnVersionChange(t *testing.T) {
	t.Parallel()

	c, store := newTestClassifier(t, testManifest())
	now := time.Unix(1700000000, 0)
	c.SetClock(func() time.Time { return now })

	// Prime the cache.
	c.Classify(context.Background(), "ChatGPT-User/1.0", "", http.Header{})
	require.Equal(t, int64(3), c.ManifestVersion())

	// A new version lands and must be picked up on the very next
	// classification, well inside the freshness TTL.
	next := testManifest()
	next.Version = 4
	next.UAPatterns = append(next.UAPatterns, rules.UAPattern{
		Needle: "PerplexityBot", SourceName: "perplexity", Confidence: 0.97,
	})
	require.NoError(t, store.SetManifest(context.Background(), next))
	now = now.Add(time.Minute)

	got := c.Classify(context.Background(), "PerplexityBot/1.0", "", http.Header{})
	require.Equal(t, int64(4), c.ManifestVersion())
	require.Equal(t, "perplexity", got.SourceName)
}

// flakyStore simulates a rule store outage while keeping the memory
// backend underneath.
type flakyStore struct {
	*rules.MemoryStore
	down bool
}

func (s *flakyStore) Version(ctx context.Context) (int64, error) {
	if s.down {
		return 0, errors.New("store unreachable")
	}
	return s.MemoryStore.Version(ctx)
}

func (s *flakyStore) Manifest(ctx context.Context) (*rules.Manifest, error) {
	if s.down {
		return nil, errors.New("store unreachable")
	}
	return s.MemoryStore.Manifest(ctx)
}

func TestStoreOutageServesCachedManifest(t *testing.T) {
	t.Parallel()

	store := &flakyStore{MemoryStore: rules.NewMemoryStore(zerolog.Nop())}
	require.NoError(t, store.SetManifest(context.Background(), testManifest()))

	c := New(store, zerolog.Nop())
	now := time.Unix(1700000000, 0)
	c.SetClock(func() time.Time { return now })

	c.Classify(context.Background(), "ChatGPT-User/1.0", "", http.Header{})
	require.Equal(t, int64(3), c.ManifestVersion())

	// The store goes down; cached rules keep matching, inside and past
	// the TTL.
	store.down = true
	for _, advance := range []time.Duration{time.Minute, RefreshInterval} {
		now = now.Add(advance)
		got := c.Classify(context.Background(), "ChatGPT-User/1.0", "", http.Header{})
		require.Equal(t, ClassAIAgentCrawl, got.Class)
		require.Equal(t, int64(3), c.ManifestVersion())
	}
}
