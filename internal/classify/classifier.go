// Package classify labels inbound traffic as AI-agent or human using a
// staged heuristic over the cached rule manifest.
package classify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/optiview/optiview-edge/internal/rules"
)

// Class is the closed set of traffic classes.
type Class string

const (
	ClassAIAgentCrawl  Class = "ai_agent_crawl"
	ClassHumanViaAI    Class = "human_via_ai"
	ClassDirectHuman   Class = "direct_human"
	ClassUnknownAILike Class = "unknown_ai_like"
)

// Fixed confidences for the lower heuristic tiers.
const (
	refererConfidence = 0.7
	headerConfidence  = 0.6
	unknownConfidence = 0.3
)

// RefreshInterval is the manifest cache freshness TTL.
const RefreshInterval = 5 * time.Minute

var aiKeywords = []string{"ai", "bot", "crawler", "spider", "agent"}

// Classification is the derived label for one request. Never persisted
// by this package.
type Classification struct {
	Class      Class   `json:"class"`
	SourceName string  `json:"source,omitempty"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category,omitempty"`
}

// Classifier evaluates requests against a locally cached manifest,
// refreshed lazily from the rule store. One instance per process.
type Classifier struct {
	store  rules.Store
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	manifest    *rules.Manifest
	lastRefresh time.Time
}

// New creates a classifier. The cache starts empty; the first Classify
// call attempts a load and falls back to the empty manifest if the
// store has never been populated.
func New(store rules.Store, logger zerolog.Logger) *Classifier {
	return &Classifier{
		store:    store,
		logger:   logger,
		now:      time.Now,
		manifest: rules.Empty(),
	}
}

// SetClock overrides the classifier clock. Test hook.
func (c *Classifier) SetClock(now func() time.Time) {
	c.now = now
}

// ManifestVersion returns the cached manifest version.
func (c *Classifier) ManifestVersion() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manifest.Version
}

// Classify labels a request. It never fails: any internal problem
// degrades to unknown_ai_like with confidence 0.
func (c *Classifier) Classify(ctx context.Context, userAgent, referer string, headers http.Header) (result Classification) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("classifier panic, returning neutral result")
			result = Classification{Class: ClassUnknownAILike, Confidence: 0}
		}
	}()

	manifest := c.currentManifest(ctx)

	// Tier 1: User-Agent pattern match, highest confidence.
	uaLower := strings.ToLower(userAgent)
	for _, p := range manifest.UAPatterns {
		if p.Needle != "" && strings.Contains(uaLower, strings.ToLower(p.Needle)) {
			return Classification{
				Class:      ClassAIAgentCrawl,
				SourceName: p.SourceName,
				Confidence: p.Confidence,
				Category:   p.Category,
			}
		}
	}

	// Tier 2: Referer needle match.
	refLower := strings.ToLower(referer)
	if refLower != "" {
		for _, h := range manifest.RefererHeuristics {
			if h.Needle != "" && strings.Contains(refLower, strings.ToLower(h.Needle)) {
				return Classification{
					Class:      classFromRule(h.Class),
					SourceName: h.SourceName,
					Confidence: refererConfidence,
				}
			}
		}
	}

	// Tier 3: header heuristics; "*" means presence is enough.
	for _, h := range manifest.HeaderHeuristics {
		got := headers.Get(h.Header)
		if got == "" {
			continue
		}
		if h.Value == "*" || strings.EqualFold(got, h.Value) ||
			strings.Contains(strings.ToLower(got), strings.ToLower(h.Value)) {
			return Classification{
				Class:      ClassAIAgentCrawl,
				SourceName: h.SourceName,
				Confidence: headerConfidence,
			}
		}
	}

	// Tier 4: unknown-AI-like shape heuristics.
	if looksAILike(userAgent, uaLower) {
		return Classification{Class: ClassUnknownAILike, Confidence: unknownConfidence}
	}

	return Classification{Class: ClassDirectHuman, Confidence: 1.0}
}

// classFromRule maps a rule-declared class string onto the closed enum.
func classFromRule(s string) Class {
	switch Class(s) {
	case ClassAIAgentCrawl, ClassHumanViaAI, ClassDirectHuman, ClassUnknownAILike:
		return Class(s)
	default:
		return ClassHumanViaAI
	}
}

func looksAILike(ua, uaLower string) bool {
	if ua == "" {
		return true
	}
	for _, kw := range aiKeywords {
		if strings.Contains(uaLower, kw) {
			return true
		}
	}

	// Shape heuristics: bare tokens and long alphanumeric runs are not
	// how real browsers identify themselves.
	if n := utf8.RuneCountInString(ua); n >= 1 && n <= 5 {
		return true
	}
	if allAlphanumeric(ua) {
		return true
	}
	if longestAlphanumericRun(ua) >= 20 {
		return true
	}
	return false
}

func allAlphanumeric(s string) bool {
	for _, r := range s {
		if !isAlphanumeric(r) {
			return false
		}
	}
	return len(s) > 0
}

func longestAlphanumericRun(s string) int {
	longest, run := 0, 0
	for _, r := range s {
		if isAlphanumeric(r) {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	return longest
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// currentManifest returns the cached manifest, refreshing it first when
// the store reports a different version or the TTL has lapsed. The
// version probe runs on every call so a rule push propagates on the next
// classification; only the changed manifest costs a full fetch. Store
// failures keep the last good manifest.
func (c *Classifier) currentManifest(ctx context.Context) *rules.Manifest {
	c.mu.RLock()
	manifest := c.manifest
	lastRefresh := c.lastRefresh
	c.mu.RUnlock()

	now := c.now()
	version, verr := c.store.Version(ctx)
	if verr == nil && version == manifest.Version {
		if now.Sub(lastRefresh) >= RefreshInterval {
			c.mu.Lock()
			c.lastRefresh = now
			c.mu.Unlock()
		}
		return manifest
	}
	if verr != nil && now.Sub(lastRefresh) < RefreshInterval {
		// Probe failed inside the TTL: serve the cache, retry next call.
		return manifest
	}

	fresh, err := c.store.Manifest(ctx)
	if err != nil {
		if !errors.Is(err, rules.ErrNoManifest) {
			c.logger.Warn().Err(err).Int64("cached_version", manifest.Version).Msg("rule store unreachable, serving cached manifest")
		}
		// Stale-but-working beats failing; push the TTL forward so an
		// unreachable store is not hammered on every request.
		c.mu.Lock()
		c.lastRefresh = now
		c.mu.Unlock()
		return manifest
	}

	c.mu.Lock()
	c.manifest = fresh
	c.lastRefresh = now
	c.mu.Unlock()

	if fresh.Version != manifest.Version {
		c.logger.Info().Int64("version", fresh.Version).Int("ua_patterns", len(fresh.UAPatterns)).Msg("rule manifest refreshed")
	}
	return fresh
}
