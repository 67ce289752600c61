package services

import (
	"github.com/humanmade/entity-base/models"
)

// Filter rules, in decision order. The first matching rule decides.
const (
	RuleAllowlist    = "allowlist"
	RuleBlocklist    = "blocklist"
	RuleMissingID    = "missing_id"
	RuleNoTypes      = "no_types"
	RuleTypeFilter   = "type_filter"
	RuleTypeBlock    = "type_blocklist"
	RuleFreebase     = "freebase_filter"
	RuleFreebaseBloc = "freebase_blocklist"
	RuleThreshold    = "threshold"
	RuleDefault      = "default"
)

// Decision records why a single candidate was retained or rejected. The
// filter chain is deterministic, so the trace fully explains its output.
type Decision struct {
	EntityID string
	Retained bool
	Rule     string
}

// FilterEntities applies the filter chain to each candidate independently,
// preserving order. Pure function of its inputs.
func FilterEntities(candidates []models.CandidateEntity, cfg models.FilterConfig) ([]models.CandidateEntity, []Decision) {
	retained := make([]models.CandidateEntity, 0, len(candidates))
	decisions := make([]Decision, 0, len(candidates))

	for _, candidate := range candidates {
		decision := decide(candidate, cfg)
		decisions = append(decisions, decision)
		if decision.Retained {
			retained = append(retained, candidate)
		}
	}

	return retained, decisions
}

func decide(candidate models.CandidateEntity, cfg models.FilterConfig) Decision {
	// A candidate with no identifier cannot be keyed or stored.
	if candidate.EntityID == "" {
		return Decision{Retained: false, Rule: RuleMissingID}
	}

	d := Decision{EntityID: candidate.EntityID}

	// Always include entities on the allowlist.
	if len(cfg.EntityAllowlist) > 0 && contains(cfg.EntityAllowlist, candidate.EntityID) {
		d.Retained = true
		d.Rule = RuleAllowlist
		return d
	}

	// Remove entities on the blocklist.
	if len(cfg.EntityBlocklist) > 0 && contains(cfg.EntityBlocklist, candidate.EntityID) {
		d.Rule = RuleBlocklist
		return d
	}

	// Require at least one classification signal.
	if len(candidate.Types) == 0 && len(candidate.FreebaseTypes) == 0 {
		d.Rule = RuleNoTypes
		return d
	}

	// DBPedia-style type filter and blocklist. Only evaluated when the
	// candidate carries a type set; absence alone is not disqualifying here.
	if len(candidate.Types) > 0 {
		if len(cfg.TypeFilters) > 0 && !intersects(candidate.Types, cfg.TypeFilters) {
			d.Rule = RuleTypeFilter
			return d
		}
		if len(cfg.TypeBlocklist) > 0 && intersects(candidate.Types, cfg.TypeBlocklist) {
			d.Rule = RuleTypeBlock
			return d
		}
	}

	// Same two-sided logic for the alternate taxonomy.
	if len(candidate.FreebaseTypes) > 0 {
		if len(cfg.FreebaseFilters) > 0 && !intersects(candidate.FreebaseTypes, cfg.FreebaseFilters) {
			d.Rule = RuleFreebase
			return d
		}
		if len(cfg.FreebaseBlocklist) > 0 && intersects(candidate.FreebaseTypes, cfg.FreebaseBlocklist) {
			d.Rule = RuleFreebaseBloc
			return d
		}
	}

	// Reject only when both scores miss their minimum. Meeting either bound
	// is sufficient to retain.
	if candidate.ConfidenceScore < cfg.MinConfidence && candidate.RelevanceScore < cfg.MinRelevance {
		d.Rule = RuleThreshold
		return d
	}

	d.Retained = true
	d.Rule = RuleDefault
	return d
}

// CollapseByID keys candidates by entity ID. Duplicate IDs within one result
// collapse to the later occurrence.
func CollapseByID(candidates []models.CandidateEntity) map[string]models.CandidateEntity {
	out := make(map[string]models.CandidateEntity, len(candidates))
	for _, candidate := range candidates {
		out[candidate.EntityID] = candidate
	}
	return out
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, item := range a {
		if contains(b, item) {
			return true
		}
	}
	return false
}
