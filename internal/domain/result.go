package domain

import "time"

// RuledOutDetail records one cell that contributed to excluding an antigen.
// Low-frequency exclusions carry no cell.
type RuledOutDetail struct {
	AntigramID int64         `json:"antigram_id,omitempty"`
	LotNumber  string        `json:"lot_number,omitempty"`
	CellNumber int           `json:"cell_number,omitempty"`
	RuleType   ExclusionKind `json:"rule_type"`
}

// AntigenProgress summarizes the tested cells for one antigen.
type AntigenProgress struct {
	TotalCells      int     `json:"total_cells"`
	PositiveMatches int     `json:"positive_matches"`
	NegativeMatches int     `json:"negative_matches"`
	Mismatches      int     `json:"mismatches"`
	MatchPercentage float64 `json:"match_percentage"`
}

// ABIDResult is the classification of every panel antigen for one session.
type ABIDResult struct {
	SessionID           string                      `json:"session_id"`
	RuledOut            []string                    `json:"ruled_out"`
	StillToRuleOut      []string                    `json:"still_to_rule_out"`
	Matches             []string                    `json:"matches"`
	RuledOutDetails     map[string][]RuledOutDetail `json:"ruled_out_details"`
	RuledOutByRule      map[ExclusionKind][]string  `json:"ruled_out_by_rule"`
	SuspectedAntibodies []string                    `json:"suspected_antibodies"`
	Progress            map[string]AntigenProgress  `json:"progress"`
	AntigenSystems      map[string]string           `json:"antigen_systems,omitempty"`
}

// NewABIDResult returns a result with every collection initialized so that it
// serializes as empty arrays and objects rather than null.
func NewABIDResult(sessionID string) *ABIDResult {
	return &ABIDResult{
		SessionID:           sessionID,
		RuledOut:            []string{},
		StillToRuleOut:      []string{},
		Matches:             []string{},
		RuledOutDetails:     map[string][]RuledOutDetail{},
		RuledOutByRule:      map[ExclusionKind][]string{},
		SuspectedAntibodies: []string{},
		Progress:            map[string]AntigenProgress{},
	}
}

// Classification returns the bucket name an antigen was placed in, or "" when the
// antigen is not part of the panel.
func (r *ABIDResult) Classification(antigen string) string {
	for _, a := range r.RuledOut {
		if a == antigen {
			return "ruled_out"
		}
	}
	for _, a := range r.Matches {
		if a == antigen {
			return "matches"
		}
	}
	for _, a := range r.StillToRuleOut {
		if a == antigen {
			return "still_to_rule_out"
		}
	}
	return ""
}

// Workup is an archived evaluation chosen by the technologist.
type Workup struct {
	ID                   string      `json:"id"`
	SessionID            string      `json:"session_id"`
	SpecimenRef          string      `json:"specimen_ref"`
	IdentifiedAntibodies []string    `json:"identified_antibodies"`
	Notes                string      `json:"notes,omitempty"`
	PerformedBy          string      `json:"performed_by,omitempty"`
	Result               *ABIDResult `json:"result"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}
