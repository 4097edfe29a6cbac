package triage

import "github.com/epiwatch/epiwatch/pkg/outbreak"

// recommendActions builds the response action list from the escalation rule
// table. Actions accumulate with severity: higher tiers include everything
// the lower tiers recommend.
func recommendActions(c *outbreak.Case) []outbreak.RecommendedAction {
	rank := outbreak.SeverityRank(c.Severity)
	if rank < outbreak.SeverityRank(outbreak.SeverityMedium) {
		return nil
	}

	actions := []outbreak.RecommendedAction{
		{
			Category: "preparedness",
			Action:   "increase_surveillance",
			Priority: "medium",
			Target:   "clinic",
			Details:  "raise case-finding sensitivity and daily reporting cadence",
		},
	}

	if rank >= outbreak.SeverityRank(outbreak.SeverityHigh) {
		actions = append(actions,
			outbreak.RecommendedAction{
				Category: "medicine",
				Action:   "stock_essential_medicines",
				Priority: "high",
				Target:   "pharmacy",
				Details:  "pre-position antipyretics, rehydration salts, and first-line antibiotics",
			},
			outbreak.RecommendedAction{
				Category: "staffing",
				Action:   "alert_on_call_staff",
				Priority: "high",
				Target:   "hospital",
			},
		)
	}

	if rank >= outbreak.SeverityRank(outbreak.SeverityCritical) {
		actions = append(actions,
			outbreak.RecommendedAction{
				Category: "equipment",
				Action:   "prepare_isolation_capacity",
				Priority: "critical",
				Target:   "hospital",
			},
			outbreak.RecommendedAction{
				Category: "preparedness",
				Action:   "notify_public_health_authority",
				Priority: "critical",
				Target:   "public",
			},
		)
	}

	if a := c.Evidence.Environment.Assessment; a != nil && (a.RiskLevel == "high" || a.RiskLevel == "critical") {
		actions = append(actions, outbreak.RecommendedAction{
			Category: "preparedness",
			Action:   "vector_control_measures",
			Priority: "high",
			Target:   "public",
			Details:  a.Recommendation,
		})
	}
	return actions
}
