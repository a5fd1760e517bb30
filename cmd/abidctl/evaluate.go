package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/abid-rules-server/internal/domain"
	"github.com/abid-rules-server/internal/memstore"
	"github.com/abid-rules-server/internal/reference"
	"github.com/abid-rules-server/internal/service"
)

// panelFile is the offline evaluation input. Rules default to the built-in set when omitted.
type panelFile struct {
	SessionID string                   `json:"session_id"`
	Antigrams []domain.Antigram        `json:"antigrams"`
	Reactions []domain.PatientReaction `json:"reactions"`
	Rules     []service.RuleDefinition `json:"rules"`
}

func (c *cli) evaluateCommand() *cobra.Command {
	var panelPath string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a panel file offline and print the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if panelPath != "-" {
				f, err := os.Open(panelPath)
				if err != nil {
					return fmt.Errorf("failed to open panel file: %w", err)
				}
				defer f.Close()
				in = f
			}

			result, err := evaluatePanel(cmd.Context(), in, c.logger)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVar(&panelPath, "panel", "", "panel JSON file, or - for stdin")
	_ = cmd.MarkFlagRequired("panel")
	return cmd
}

// evaluatePanel decodes a panel file and runs the engine over it
func evaluatePanel(ctx context.Context, r io.Reader, logger *logrus.Logger) (*domain.ABIDResult, error) {
	var panel panelFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&panel); err != nil {
		return nil, fmt.Errorf("failed to parse panel file: %w", err)
	}
	if len(panel.Antigrams) == 0 {
		return nil, domain.NewValidationError("antigrams", "at least one antigram is required", nil)
	}

	known := make(map[int64]bool, len(panel.Antigrams))
	for i := range panel.Antigrams {
		a := &panel.Antigrams[i]
		if a.ID == 0 {
			a.ID = int64(i + 1)
		}
		if known[a.ID] {
			return nil, domain.NewValidationError("antigrams", fmt.Sprintf("duplicate antigram id %d", a.ID), a.ID)
		}
		known[a.ID] = true
		for _, c := range a.Cells {
			if c.CellNumber < 1 {
				return nil, domain.NewValidationError("cells", fmt.Sprintf("antigram %d: cell numbers start at 1", a.ID), c.CellNumber)
			}
		}
	}
	for _, reaction := range panel.Reactions {
		if !reaction.Reaction.IsValid() {
			return nil, fmt.Errorf("antigram %d cell %d: %w: %q", reaction.AntigramID, reaction.CellNumber, domain.ErrInvalidReactionValue, reaction.Reaction)
		}
		if !known[reaction.AntigramID] {
			return nil, domain.NewValidationError("reactions", fmt.Sprintf("unknown antigram %d", reaction.AntigramID), reaction.AntigramID)
		}
	}

	catalogue, err := reference.Default()
	if err != nil {
		return nil, err
	}
	store := memstore.NewRuleStore()
	rules := service.NewRuleService(store, catalogue, logger)
	if len(panel.Rules) == 0 {
		if _, err := rules.InitializeDefaults(ctx); err != nil {
			return nil, err
		}
	}
	for i, def := range panel.Rules {
		if _, err := rules.CreateRule(ctx, def); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
	}
	enabled, err := store.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}

	session := domain.NormalizeSessionID(panel.SessionID)
	engine := service.NewABIDEngine(logger)
	return engine.Evaluate(session, service.Panel{Antigrams: panel.Antigrams, Reactions: panel.Reactions}, enabled), nil
}
