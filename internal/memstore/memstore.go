// Package memstore provides in-memory implementations of the domain stores for the
// lite binary, the offline CLI and tests. Every read returns copies; callers never share
// state with the store.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/abid-rules-server/internal/domain"
)

// RuleStore keeps antibody rules in memory
type RuleStore struct {
	mu     sync.RWMutex
	nextID int64
	rules  map[int64]domain.AntibodyRule
	now    func() time.Time
}

// NewRuleStore creates an empty rule store
func NewRuleStore() *RuleStore {
	return &RuleStore{rules: map[int64]domain.AntibodyRule{}, now: time.Now}
}

func (s *RuleStore) sorted(filter func(domain.AntibodyRule) bool) []domain.AntibodyRule {
	out := make([]domain.AntibodyRule, 0, len(s.rules))
	for _, r := range s.rules {
		if filter == nil || filter(r) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b domain.AntibodyRule) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// List returns all rules ordered by id
func (s *RuleStore) List(ctx context.Context) ([]domain.AntibodyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(nil), nil
}

// ListEnabled returns enabled rules ordered by id
func (s *RuleStore) ListEnabled(ctx context.Context) ([]domain.AntibodyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(r domain.AntibodyRule) bool { return r.Enabled }), nil
}

// Get returns a rule by id
func (s *RuleStore) Get(ctx context.Context, id int64) (*domain.AntibodyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("antibody rule %d: %w", id, domain.ErrNotFound)
	}
	return &r, nil
}

// Create assigns an id and timestamps and stores the rule
func (s *RuleStore) Create(ctx context.Context, rule *domain.AntibodyRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := s.now().UTC()
	rule.ID = s.nextID
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = *rule
	return nil
}

// Update replaces an existing rule
func (s *RuleStore) Update(ctx context.Context, rule *domain.AntibodyRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[rule.ID]
	if !ok {
		return fmt.Errorf("antibody rule %d: %w", rule.ID, domain.ErrNotFound)
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.now().UTC()
	s.rules[rule.ID] = *rule
	return nil
}

// Delete removes a rule
func (s *RuleStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("antibody rule %d: %w", id, domain.ErrNotFound)
	}
	delete(s.rules, id)
	return nil
}

// DeleteAll removes every rule
func (s *RuleStore) DeleteAll(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.rules))
	clear(s.rules)
	return n, nil
}

// DeleteByTarget removes the rules targeting an antigen
func (s *RuleStore) DeleteByTarget(ctx context.Context, antigen string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.rules {
		if r.TargetAntigen == antigen {
			delete(s.rules, id)
			n++
		}
	}
	return n, nil
}

// ReplaceAll swaps the rule set under one lock
func (s *RuleStore) ReplaceAll(ctx context.Context, rules []domain.AntibodyRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.rules)
	now := s.now().UTC()
	for i := range rules {
		s.nextID++
		r := rules[i]
		r.ID = s.nextID
		r.CreatedAt = now
		r.UpdatedAt = now
		s.rules[r.ID] = r
	}
	return nil
}

// ReactionStore keeps patient reactions per session
type ReactionStore struct {
	mu       sync.RWMutex
	sessions map[string]map[domain.ReactionKey]domain.PatientReaction
	now      func() time.Time
}

// NewReactionStore creates an empty reaction store
func NewReactionStore() *ReactionStore {
	return &ReactionStore{sessions: map[string]map[domain.ReactionKey]domain.PatientReaction{}, now: time.Now}
}

func (s *ReactionStore) upsertLocked(r domain.PatientReaction) {
	session, ok := s.sessions[r.SessionID]
	if !ok {
		session = map[domain.ReactionKey]domain.PatientReaction{}
		s.sessions[r.SessionID] = session
	}
	r.UpdatedAt = s.now().UTC()
	session[r.Key()] = r
}

// Upsert records or replaces the reaction for a cell
func (s *ReactionStore) Upsert(ctx context.Context, reaction *domain.PatientReaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(*reaction)
	return nil
}

// UpsertBatch records several reactions under one lock
func (s *ReactionStore) UpsertBatch(ctx context.Context, reactions []domain.PatientReaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range reactions {
		s.upsertLocked(r)
	}
	return nil
}

// Delete removes one reaction
func (s *ReactionStore) Delete(ctx context.Context, sessionID string, antigramID int64, cellNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.ReactionKey{AntigramID: antigramID, CellNumber: cellNumber}
	session := s.sessions[sessionID]
	if _, ok := session[key]; !ok {
		return fmt.Errorf("reaction for antigram %d cell %d: %w", antigramID, cellNumber, domain.ErrNotFound)
	}
	delete(session, key)
	return nil
}

// List returns the session's reactions ordered by antigram and cell
func (s *ReactionStore) List(ctx context.Context, sessionID string) ([]domain.PatientReaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Collect(maps.Values(s.sessions[sessionID]))
	slices.SortFunc(out, func(a, b domain.PatientReaction) int {
		return cmp.Or(cmp.Compare(a.AntigramID, b.AntigramID), cmp.Compare(a.CellNumber, b.CellNumber))
	})
	if out == nil {
		out = []domain.PatientReaction{}
	}
	return out, nil
}

// Clear drops every reaction in the session
func (s *ReactionStore) Clear(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.sessions[sessionID]))
	delete(s.sessions, sessionID)
	return n, nil
}

// AntigramStore keeps templates and antigrams in memory
type AntigramStore struct {
	mu             sync.RWMutex
	nextTemplateID int64
	nextAntigramID int64
	templates      map[int64]domain.AntigramTemplate
	antigrams      map[int64]domain.Antigram
	now            func() time.Time
}

// NewAntigramStore creates an empty antigram store
func NewAntigramStore() *AntigramStore {
	return &AntigramStore{
		templates: map[int64]domain.AntigramTemplate{},
		antigrams: map[int64]domain.Antigram{},
		now:       time.Now,
	}
}

func cloneTemplate(t domain.AntigramTemplate) domain.AntigramTemplate {
	t.AntigenOrder = slices.Clone(t.AntigenOrder)
	if t.CellRange != nil {
		r := *t.CellRange
		t.CellRange = &r
	}
	return t
}

func cloneAntigram(a domain.Antigram) domain.Antigram {
	a.AntigenOrder = slices.Clone(a.AntigenOrder)
	cells := make([]domain.Cell, len(a.Cells))
	for i, c := range a.Cells {
		cells[i] = domain.Cell{CellNumber: c.CellNumber, Reactions: maps.Clone(c.Reactions)}
	}
	a.Cells = cells
	return a
}

// CreateTemplate stores a template; names are unique
func (s *AntigramStore) CreateTemplate(ctx context.Context, t *domain.AntigramTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.templates {
		if existing.Name == t.Name {
			return fmt.Errorf("template %q: %w", t.Name, domain.ErrConflict)
		}
	}
	s.nextTemplateID++
	now := s.now().UTC()
	t.ID = s.nextTemplateID
	t.CreatedAt = now
	t.UpdatedAt = now
	s.templates[t.ID] = cloneTemplate(*t)
	return nil
}

// GetTemplate returns a template by id
func (s *AntigramStore) GetTemplate(ctx context.Context, id int64) (*domain.AntigramTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %d: %w", id, domain.ErrNotFound)
	}
	t = cloneTemplate(t)
	return &t, nil
}

// ListTemplates returns templates ordered by id
func (s *AntigramStore) ListTemplates(ctx context.Context) ([]domain.AntigramTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AntigramTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, cloneTemplate(t))
	}
	slices.SortFunc(out, func(a, b domain.AntigramTemplate) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// UpdateTemplate replaces a template
func (s *AntigramStore) UpdateTemplate(ctx context.Context, t *domain.AntigramTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.templates[t.ID]
	if !ok {
		return fmt.Errorf("template %d: %w", t.ID, domain.ErrNotFound)
	}
	for id, other := range s.templates {
		if id != t.ID && other.Name == t.Name {
			return fmt.Errorf("template %q: %w", t.Name, domain.ErrConflict)
		}
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = s.now().UTC()
	s.templates[t.ID] = cloneTemplate(*t)
	return nil
}

// DeleteTemplate removes a template
func (s *AntigramStore) DeleteTemplate(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return fmt.Errorf("template %d: %w", id, domain.ErrNotFound)
	}
	delete(s.templates, id)
	return nil
}

// CreateAntigram stores an antigram
func (s *AntigramStore) CreateAntigram(ctx context.Context, a *domain.Antigram) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAntigramID++
	now := s.now().UTC()
	a.ID = s.nextAntigramID
	a.CreatedAt = now
	a.UpdatedAt = now
	s.antigrams[a.ID] = cloneAntigram(*a)
	return nil
}

// GetAntigram returns an antigram by id
func (s *AntigramStore) GetAntigram(ctx context.Context, id int64) (*domain.Antigram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.antigrams[id]
	if !ok {
		return nil, fmt.Errorf("antigram %d: %w", id, domain.ErrNotFound)
	}
	a = cloneAntigram(a)
	return &a, nil
}

// ListAntigrams returns antigrams ordered by id
func (s *AntigramStore) ListAntigrams(ctx context.Context) ([]domain.Antigram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Antigram, 0, len(s.antigrams))
	for _, a := range s.antigrams {
		out = append(out, cloneAntigram(a))
	}
	slices.SortFunc(out, func(a, b domain.Antigram) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// FindByLot returns antigrams sharing a lot number
func (s *AntigramStore) FindByLot(ctx context.Context, lotNumber string) ([]domain.Antigram, error) {
	all, _ := s.ListAntigrams(ctx)
	out := []domain.Antigram{}
	for _, a := range all {
		if a.LotNumber == lotNumber {
			out = append(out, a)
		}
	}
	return out, nil
}

// UpdateAntigram replaces an antigram
func (s *AntigramStore) UpdateAntigram(ctx context.Context, a *domain.Antigram) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.antigrams[a.ID]
	if !ok {
		return fmt.Errorf("antigram %d: %w", a.ID, domain.ErrNotFound)
	}
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = s.now().UTC()
	s.antigrams[a.ID] = cloneAntigram(*a)
	return nil
}

// DeleteAntigram removes an antigram
func (s *AntigramStore) DeleteAntigram(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.antigrams[id]; !ok {
		return fmt.Errorf("antigram %d: %w", id, domain.ErrNotFound)
	}
	delete(s.antigrams, id)
	return nil
}

// DeleteAllAntigrams removes every antigram
func (s *AntigramStore) DeleteAllAntigrams(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.antigrams))
	clear(s.antigrams)
	return n, nil
}

// AntigenStore keeps the antigen catalogue in memory
type AntigenStore struct {
	mu       sync.RWMutex
	antigens map[string]domain.Antigen
}

// NewAntigenStore creates an antigen store seeded with the given antigens
func NewAntigenStore(seed ...domain.Antigen) *AntigenStore {
	s := &AntigenStore{antigens: map[string]domain.Antigen{}}
	for _, a := range seed {
		s.antigens[a.Name] = a
	}
	return s
}

// List returns antigens ordered by system then name
func (s *AntigenStore) List(ctx context.Context) ([]domain.Antigen, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Collect(maps.Values(s.antigens))
	slices.SortFunc(out, func(a, b domain.Antigen) int {
		return cmp.Or(cmp.Compare(a.System, b.System), cmp.Compare(a.Name, b.Name))
	})
	if out == nil {
		out = []domain.Antigen{}
	}
	return out, nil
}

// Get returns an antigen by name
func (s *AntigenStore) Get(ctx context.Context, name string) (*domain.Antigen, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.antigens[name]
	if !ok {
		return nil, fmt.Errorf("antigen %s: %w", name, domain.ErrNotFound)
	}
	return &a, nil
}

// Create adds an antigen; names are unique
func (s *AntigenStore) Create(ctx context.Context, antigen *domain.Antigen) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.antigens[antigen.Name]; ok {
		return fmt.Errorf("antigen %s: %w", antigen.Name, domain.ErrConflict)
	}
	s.antigens[antigen.Name] = *antigen
	return nil
}

// Delete removes an antigen
func (s *AntigenStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.antigens[name]; !ok {
		return fmt.Errorf("antigen %s: %w", name, domain.ErrNotFound)
	}
	delete(s.antigens, name)
	return nil
}

// ReplaceAll swaps the catalogue
func (s *AntigenStore) ReplaceAll(ctx context.Context, antigens []domain.Antigen) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.antigens)
	for _, a := range antigens {
		s.antigens[a.Name] = a
	}
	return nil
}
