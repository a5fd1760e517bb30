package domain

import (
	"context"
)

// RuleStore persists antibody rules
type RuleStore interface {
	List(ctx context.Context) ([]AntibodyRule, error)
	ListEnabled(ctx context.Context) ([]AntibodyRule, error)
	Get(ctx context.Context, id int64) (*AntibodyRule, error)
	Create(ctx context.Context, rule *AntibodyRule) error
	Update(ctx context.Context, rule *AntibodyRule) error
	Delete(ctx context.Context, id int64) error
	DeleteAll(ctx context.Context) (int64, error)
	DeleteByTarget(ctx context.Context, antigen string) (int64, error)
	// ReplaceAll atomically swaps the whole rule set.
	ReplaceAll(ctx context.Context, rules []AntibodyRule) error
}

// ReactionStore persists patient reactions, scoped by search session
type ReactionStore interface {
	Upsert(ctx context.Context, reaction *PatientReaction) error
	UpsertBatch(ctx context.Context, reactions []PatientReaction) error
	Delete(ctx context.Context, sessionID string, antigramID int64, cellNumber int) error
	List(ctx context.Context, sessionID string) ([]PatientReaction, error)
	Clear(ctx context.Context, sessionID string) (int64, error)
}

// AntigramStore persists antigram templates and antigrams
type AntigramStore interface {
	CreateTemplate(ctx context.Context, t *AntigramTemplate) error
	GetTemplate(ctx context.Context, id int64) (*AntigramTemplate, error)
	ListTemplates(ctx context.Context) ([]AntigramTemplate, error)
	UpdateTemplate(ctx context.Context, t *AntigramTemplate) error
	DeleteTemplate(ctx context.Context, id int64) error

	CreateAntigram(ctx context.Context, a *Antigram) error
	GetAntigram(ctx context.Context, id int64) (*Antigram, error)
	ListAntigrams(ctx context.Context) ([]Antigram, error)
	FindByLot(ctx context.Context, lotNumber string) ([]Antigram, error)
	UpdateAntigram(ctx context.Context, a *Antigram) error
	DeleteAntigram(ctx context.Context, id int64) error
	DeleteAllAntigrams(ctx context.Context) (int64, error)
}

// AntigenStore persists the antigen catalogue
type AntigenStore interface {
	List(ctx context.Context) ([]Antigen, error)
	Get(ctx context.Context, name string) (*Antigen, error)
	Create(ctx context.Context, antigen *Antigen) error
	Delete(ctx context.Context, name string) error
	ReplaceAll(ctx context.Context, antigens []Antigen) error
}

// ResultPublisher receives a fresh evaluation after reactions change
type ResultPublisher interface {
	Publish(result *ABIDResult)
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
