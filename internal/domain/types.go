// Package domain contains the core entities used for serologic antibody identification (ABID).
//
// A workup tests patient plasma against a panel of reagent red cells. Every cell carries a known
// antigen profile (the antigram), and the patient reaction recorded for each cell is either
// positive ("+") or negative ("0"). Antibody rules decide which antigens can be excluded from the
// workup given those reactions.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Reaction is a single agglutination reading, either for a cell's antigen profile
// or for the patient's plasma against that cell.
type Reaction string

const (
	Positive Reaction = "+"
	Negative Reaction = "0"
)

// Sentinel errors shared by stores, services and the HTTP layer.
var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("already exists")
	ErrValidationFailed     = errors.New("validation failed")
	ErrInvalidReactionValue = errors.New("invalid reaction value")
)

// DefaultSessionID is used when a caller does not name a search session.
const DefaultSessionID = "default"

// IsValid reports whether the reaction is one of the two recorded values.
func (r Reaction) IsValid() bool {
	return r == Positive || r == Negative
}

// String returns the reaction symbol.
func (r Reaction) String() string {
	return string(r)
}

// ParseReaction normalizes user input into a Reaction. Surrounding whitespace is ignored;
// anything other than "+" or "0" is rejected.
func ParseReaction(raw string) (Reaction, error) {
	r := Reaction(strings.TrimSpace(raw))
	if !r.IsValid() {
		return "", fmt.Errorf("%w: %q (expected \"+\" or \"0\")", ErrInvalidReactionValue, raw)
	}
	return r, nil
}

// Antigen is a red cell antigen known to the system.
type Antigen struct {
	Name   string `json:"name"`
	System string `json:"system"`
}

// AntigenPairs maps an antigen to the antigens it is commonly paired with for
// dosage and rule construction. The table is read-only after start-up.
type AntigenPairs map[string][]string

// CellRange is the inclusive range of cell numbers a template describes.
type CellRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Span returns the number of cells covered by the range.
func (r CellRange) Span() int {
	return r.End - r.Start + 1
}

// Contains reports whether the cell number falls inside the range.
func (r CellRange) Contains(cell int) bool {
	return cell >= r.Start && cell <= r.End
}

// AntigramTemplate describes the column layout of a manufacturer's panel.
type AntigramTemplate struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	AntigenOrder []string   `json:"antigen_order"`
	CellCount    int        `json:"cell_count"`
	CellRange    *CellRange `json:"cell_range,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Cell is one reagent red cell in an antigram with its antigen profile.
type Cell struct {
	CellNumber int                 `json:"cell_number"`
	Reactions  map[string]Reaction `json:"reactions"`
}

// Expresses reports whether the cell carries the antigen. Antigens missing from the profile
// are treated as not expressed.
func (c Cell) Expresses(antigen string) bool {
	return c.Reactions[antigen] == Positive
}

// Lacks reports whether the cell was typed negative for the antigen.
func (c Cell) Lacks(antigen string) bool {
	return c.Reactions[antigen] == Negative
}

// Antigram is a concrete lot of reagent cells built from a template.
type Antigram struct {
	ID             int64     `json:"id"`
	TemplateID     int64     `json:"template_id"`
	TemplateName   string    `json:"template_name,omitempty"`
	LotNumber      string    `json:"lot_number"`
	ExpirationDate string    `json:"expiration_date"`
	AntigenOrder   []string  `json:"antigen_order"`
	Cells          []Cell    `json:"cells"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Cell returns the cell with the given number.
func (a *Antigram) Cell(number int) (Cell, bool) {
	for _, c := range a.Cells {
		if c.CellNumber == number {
			return c, true
		}
	}
	return Cell{}, false
}

// PatientReaction is the patient's plasma reaction against a single cell within a session.
type PatientReaction struct {
	SessionID  string    `json:"session_id"`
	AntigramID int64     `json:"antigram_id"`
	LotNumber  string    `json:"lot_number"`
	CellNumber int       `json:"cell_number"`
	Reaction   Reaction  `json:"patient_reaction"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ReactionKey identifies a reaction within a session.
type ReactionKey struct {
	AntigramID int64
	CellNumber int
}

// Key returns the upsert key of the reaction.
func (p PatientReaction) Key() ReactionKey {
	return ReactionKey{AntigramID: p.AntigramID, CellNumber: p.CellNumber}
}

// CellMatch is a cell returned by the cell finder.
type CellMatch struct {
	AntigramID   int64               `json:"antigram_id"`
	LotNumber    string              `json:"lot_number"`
	TemplateName string              `json:"template_name,omitempty"`
	CellNumber   int                 `json:"cell_number"`
	Reactions    map[string]Reaction `json:"reactions"`
}

// NormalizeSessionID returns the session id to use for a possibly empty caller value.
func NormalizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultSessionID
	}
	return id
}
