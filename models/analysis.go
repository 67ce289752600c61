package models

// CandidateEntity is one entity mention returned by the analysis service,
// before filtering.
type CandidateEntity struct {
	EntityID        string   `json:"entityId"`
	ConfidenceScore float64  `json:"confidenceScore"`
	RelevanceScore  float64  `json:"relevanceScore"`
	Types           []string `json:"type,omitempty"`
	FreebaseTypes   []string `json:"freebaseTypes,omitempty"`
	WikiLink        string   `json:"wikiLink,omitempty"`
	WikidataID      string   `json:"wikidataId,omitempty"`
}

// AnalysisResult is the raw output of one extraction call for one document
// version. Cached verbatim by (document ID, content fingerprint).
type AnalysisResult struct {
	Entities []CandidateEntity `json:"entities"`
}

// FilterConfig is the process-wide filter configuration, passed as an
// immutable value into the filter chain.
type FilterConfig struct {
	EntityAllowlist   []string
	EntityBlocklist   []string
	TypeFilters       []string
	TypeBlocklist     []string
	FreebaseFilters   []string
	FreebaseBlocklist []string
	MinConfidence     float64
	MinRelevance      float64
}
