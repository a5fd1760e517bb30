package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/abid-rules-server/internal/domain"
	"github.com/abid-rules-server/internal/service"
)

// SessionParams selects the reaction session; empty means the default session
type SessionParams struct {
	SessionID string `json:"session_id,omitempty"`
}

// RecordReactionParams defines parameters for record_patient_reaction
type RecordReactionParams struct {
	SessionID  string `json:"session_id,omitempty"`
	AntigramID int64  `json:"antigram_id"`
	CellNumber int    `json:"cell_number"`
	Reaction   string `json:"reaction"`
}

// DeleteReactionParams defines parameters for delete_patient_reaction
type DeleteReactionParams struct {
	SessionID  string `json:"session_id,omitempty"`
	AntigramID int64  `json:"antigram_id"`
	CellNumber int    `json:"cell_number"`
}

// ListRulesParams defines parameters for list_antibody_rules
type ListRulesParams struct {
	TargetAntigen string `json:"target_antigen,omitempty"`
	EnabledOnly   bool   `json:"enabled_only,omitempty"`
}

// FindCellsParams defines parameters for find_cells
type FindCellsParams struct {
	AntigenProfile map[string]string `json:"antigen_profile"`
}

// SaveWorkupParams defines parameters for save_workup
type SaveWorkupParams struct {
	SessionID            string   `json:"session_id,omitempty"`
	SpecimenRef          string   `json:"specimen_ref,omitempty"`
	IdentifiedAntibodies []string `json:"identified_antibodies"`
	Notes                string   `json:"notes,omitempty"`
	PerformedBy          string   `json:"performed_by,omitempty"`
}

// CreateAntigramParams defines parameters for create_antigram. The template is looked up by
// name and created from the antigen order when it does not exist yet.
type CreateAntigramParams struct {
	TemplateName   string        `json:"template_name"`
	LotNumber      string        `json:"lot_number"`
	ExpirationDate string        `json:"expiration_date,omitempty"`
	AntigenOrder   []string      `json:"antigen_order"`
	Cells          []domain.Cell `json:"cells"`
}

// ListAntigramsParams defines parameters for list_antigrams
type ListAntigramsParams struct {
	Search string `json:"search,omitempty"`
}

// toolDefinition pairs a tool name and description with its registration
type toolDefinition struct {
	name        string
	description string
	register    func(*mcp.Server, *mcp.Tool)
}

func (s *Server) toolDefinitions() []toolDefinition {
	return []toolDefinition{
		{"abid_evaluate", "Evaluate the session's patient reactions and return ruled-out, matching and still-to-rule-out antigens",
			func(m *mcp.Server, t *mcp.Tool) { mcp.AddTool(m, t, s.handleEvaluate) }},
		{"record_patient_reaction", "Record the patient's reaction (+ or 0) against one antigram cell and return the refreshed evaluation",
			func(m *mcp.Server, t *mcp.Tool) { mcp.AddTool(m, t, s.handleRecordReaction) }},
		{"delete_patient_reaction", "Remove a recorded patient reaction and return the refreshed evaluation",
			func(m *mcp.Server, t *mcp.Tool) { mcp.AddTool(m, t, s.handleDeleteReaction) }},
		{"clear_patient_reactions", "Remove every patient reaction of the session",
			func(m *mcp.Server, t *mcp.Tool) { mcp.AddTool(m, t, s.handleClearReactions) }},
		{"list_antibody_rules", "List the antibody rule-out rules, optionally for one target antigen",
			func(m *mcp.Server, t *mcp.Tool) { mcp.AddTool(m, t, s.handleListRules) }},
		{"find_cells", "Find reagent cells across all antigrams whose profile matches the given antigen pattern",
			func(m *mcp.Server, t *mcp.Tool) { mcp.AddTool(m, t, s.handleFindCells) }},
		{"save_workup", "Archive the session's current evaluation together with the identified antibodies",
			func(m *mcp.Server, t *mcp.Tool) { mcp.AddTool(m, t, s.handleSaveWorkup) }},
		{"create_antigram", "Load a reagent panel lot (antigen order and cell profiles) so reactions can be recorded against it",
			func(m *mcp.Server, t *mcp.Tool) { mcp.AddTool(m, t, s.handleCreateAntigram) }},
		{"list_antigrams", "List the loaded antigrams, optionally filtered by lot number or template name",
			func(m *mcp.Server, t *mcp.Tool) { mcp.AddTool(m, t, s.handleListAntigrams) }},
	}
}

func (s *Server) handleEvaluate(ctx context.Context, req *mcp.CallToolRequest, params SessionParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "abid_evaluate").Debug("Tool invoked")
	return s.evaluationResult(ctx, params.SessionID)
}

func (s *Server) handleRecordReaction(ctx context.Context, req *mcp.CallToolRequest, params RecordReactionParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithFields(logrus.Fields{
		"tool":        "record_patient_reaction",
		"antigram_id": params.AntigramID,
		"cell_number": params.CellNumber,
	}).Debug("Tool invoked")

	if _, err := s.services.Reactions.RecordReaction(ctx, params.SessionID, params.AntigramID, params.CellNumber, params.Reaction); err != nil {
		return s.createErrorResult("Failed to record reaction", err), nil, nil
	}
	return s.evaluationResult(ctx, params.SessionID)
}

func (s *Server) handleDeleteReaction(ctx context.Context, req *mcp.CallToolRequest, params DeleteReactionParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "delete_patient_reaction").Debug("Tool invoked")

	if err := s.services.Reactions.DeleteReaction(ctx, params.SessionID, params.AntigramID, params.CellNumber); err != nil {
		return s.createErrorResult("Failed to delete reaction", err), nil, nil
	}
	return s.evaluationResult(ctx, params.SessionID)
}

func (s *Server) handleClearReactions(ctx context.Context, req *mcp.CallToolRequest, params SessionParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "clear_patient_reactions").Debug("Tool invoked")

	n, err := s.services.Reactions.ClearAll(ctx, params.SessionID)
	if err != nil {
		return s.createErrorResult("Failed to clear reactions", err), nil, nil
	}
	return s.jsonResult(fmt.Sprintf("Cleared %d patient reactions", n), map[string]int64{"cleared": n})
}

func (s *Server) handleListRules(ctx context.Context, req *mcp.CallToolRequest, params ListRulesParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "list_antibody_rules").Debug("Tool invoked")

	rules, err := s.services.Rules.ListRules(ctx)
	if err != nil {
		return s.createErrorResult("Failed to list rules", err), nil, nil
	}
	filtered := make([]domain.AntibodyRule, 0, len(rules))
	for _, r := range rules {
		if params.TargetAntigen != "" && r.TargetAntigen != params.TargetAntigen {
			continue
		}
		if params.EnabledOnly && !r.Enabled {
			continue
		}
		filtered = append(filtered, r)
	}
	return s.jsonResult(fmt.Sprintf("%d antibody rules", len(filtered)), filtered)
}

func (s *Server) handleFindCells(ctx context.Context, req *mcp.CallToolRequest, params FindCellsParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "find_cells").Debug("Tool invoked")

	pattern := make(map[string]domain.Reaction, len(params.AntigenProfile))
	for antigen, raw := range params.AntigenProfile {
		r, err := domain.ParseReaction(raw)
		if err != nil {
			return s.createErrorResult("Invalid antigen profile", fmt.Errorf("%s: %w", antigen, err)), nil, nil
		}
		pattern[antigen] = r
	}

	cells, err := s.services.Finder.Find(ctx, pattern)
	if err != nil {
		return s.createErrorResult("Failed to find cells", err), nil, nil
	}
	return s.jsonResult(fmt.Sprintf("Found %d matching cells", len(cells)), cells)
}

func (s *Server) handleSaveWorkup(ctx context.Context, req *mcp.CallToolRequest, params SaveWorkupParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "save_workup").Debug("Tool invoked")

	if s.services.Workups == nil {
		return s.createErrorResult("Workup archive is disabled", nil), nil, nil
	}
	w, conflicts, err := s.services.Workups.SaveWorkup(ctx, params.SessionID, service.WorkupRequest{
		SpecimenRef:          params.SpecimenRef,
		IdentifiedAntibodies: params.IdentifiedAntibodies,
		Notes:                params.Notes,
		PerformedBy:          params.PerformedBy,
	})
	if err != nil {
		return s.createErrorResult("Failed to save workup", err), nil, nil
	}

	summary := fmt.Sprintf("Saved workup %s", w.ID)
	if len(conflicts) > 0 {
		summary += fmt.Sprintf(" (warning: antigen ruled out for %s)", strings.Join(conflicts, ", "))
	}
	return s.jsonResult(summary, w)
}

func (s *Server) handleCreateAntigram(ctx context.Context, req *mcp.CallToolRequest, params CreateAntigramParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "create_antigram").Debug("Tool invoked")

	template, err := s.templateFor(ctx, params)
	if err != nil {
		return s.createErrorResult("Failed to prepare antigram template", err), nil, nil
	}

	antigram := &domain.Antigram{
		TemplateID:     template.ID,
		LotNumber:      params.LotNumber,
		ExpirationDate: params.ExpirationDate,
		Cells:          params.Cells,
	}
	warnings, err := s.services.Antigrams.CreateAntigram(ctx, antigram)
	if err != nil {
		return s.createErrorResult("Failed to create antigram", err), nil, nil
	}

	summary := fmt.Sprintf("Created antigram %d for lot %s", antigram.ID, antigram.LotNumber)
	if len(warnings) > 0 {
		summary += " (" + strings.Join(warnings, "; ") + ")"
	}
	return s.jsonResult(summary, antigram)
}

// templateFor returns the named template, creating it from the antigen order when missing
func (s *Server) templateFor(ctx context.Context, params CreateAntigramParams) (*domain.AntigramTemplate, error) {
	name := strings.TrimSpace(params.TemplateName)
	if name == "" {
		return nil, domain.NewValidationError("template_name", "is required", params.TemplateName)
	}
	templates, err := s.services.Antigrams.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	for i := range templates {
		if templates[i].Name == name {
			return &templates[i], nil
		}
	}

	t := &domain.AntigramTemplate{Name: name, AntigenOrder: params.AntigenOrder, CellCount: len(params.Cells)}
	if err := s.services.Antigrams.CreateTemplate(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Server) handleListAntigrams(ctx context.Context, req *mcp.CallToolRequest, params ListAntigramsParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "list_antigrams").Debug("Tool invoked")

	antigrams, err := s.services.Antigrams.ListAntigrams(ctx, params.Search)
	if err != nil {
		return s.createErrorResult("Failed to list antigrams", err), nil, nil
	}
	return s.jsonResult(fmt.Sprintf("%d antigrams", len(antigrams)), antigrams)
}

func (s *Server) evaluationResult(ctx context.Context, session string) (*mcp.CallToolResult, any, error) {
	result, err := s.services.ABID.Evaluate(ctx, session)
	if err != nil {
		return s.createErrorResult("Evaluation failed", err), nil, nil
	}
	summary := fmt.Sprintf("Ruled out: %s | Matches: %s | Still to rule out: %s",
		listOrNone(result.RuledOut), listOrNone(result.Matches), listOrNone(result.StillToRuleOut))
	return s.jsonResult(summary, result)
}

// jsonResult renders a one-line summary followed by the JSON payload
func (s *Server) jsonResult(summary string, v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: summary},
			&mcp.TextContent{Text: string(data)},
		},
	}, nil, nil
}

// createErrorResult turns a service error into a tool-level error the client can read
func (s *Server) createErrorResult(message string, err error) *mcp.CallToolResult {
	errorText := fmt.Sprintf("Error: %s", message)
	if err != nil {
		errorText += fmt.Sprintf(" - %v", err)
		if !isClientError(err) {
			s.logger.WithError(err).Error(message)
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: errorText},
		},
		IsError: true,
	}
}

func isClientError(err error) bool {
	return errors.Is(err, domain.ErrValidationFailed) ||
		errors.Is(err, domain.ErrInvalidReactionValue) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrConflict)
}

func listOrNone(antigens []string) string {
	if len(antigens) == 0 {
		return "none"
	}
	return strings.Join(antigens, ", ")
}
