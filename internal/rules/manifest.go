// Package rules holds the versioned classification-rule manifest and the
// store it is distributed through.
package rules

// UAPattern matches a User-Agent substring to a named AI agent.
type UAPattern struct {
	Needle     string  `json:"needle"`
	SourceName string  `json:"source_name"`
	Category   string  `json:"category,omitempty"`
	Confidence float64 `json:"confidence"`
}

// RefererHeuristic maps a Referer substring to a traffic class.
type RefererHeuristic struct {
	Needle     string `json:"needle"`
	Class      string `json:"class"`
	SourceName string `json:"source_name"`
}

// HeaderHeuristic matches a request header. Value "*" means the header
// only has to be present.
type HeaderHeuristic struct {
	Header     string `json:"header"`
	Value      string `json:"value"`
	SourceName string `json:"source_name"`
}

// Manifest is one immutable version of the classification rules. It is
// always replaced wholesale, never mutated in place, so concurrent
// readers never observe a half-updated rule set.
type Manifest struct {
	Version           int64              `json:"version"`
	UAPatterns        []UAPattern        `json:"ua_patterns"`
	RefererHeuristics []RefererHeuristic `json:"referer_heuristics"`
	HeaderHeuristics  []HeaderHeuristic  `json:"header_heuristics"`
}

// Empty returns the fail-open manifest used before the store has ever
// been populated. Every request degrades to the unknown/default tiers.
func Empty() *Manifest {
	return &Manifest{Version: 0}
}
