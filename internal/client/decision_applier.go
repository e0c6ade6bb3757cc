package client

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-erp-workflow/internal/outbox"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/database"
)

// ApplierFunc adapts a function to outbox.Applier.
type ApplierFunc func(ctx context.Context, c outbox.DecisionCallback) error

// Apply implements outbox.Applier.
func (f ApplierFunc) Apply(ctx context.Context, c outbox.DecisionCallback) error {
	return f(ctx, c)
}

// ApplierRegistry routes a final decision to the applier registered for the
// originating module. Modules without an applier are logged and skipped.
type ApplierRegistry struct {
	mu       sync.RWMutex
	appliers map[string]outbox.Applier
	log      zerolog.Logger
}

// NewApplierRegistry creates an empty registry.
func NewApplierRegistry(log zerolog.Logger) *ApplierRegistry {
	return &ApplierRegistry{
		appliers: make(map[string]outbox.Applier),
		log:      log.With().Str("component", "decision_applier").Logger(),
	}
}

// Register sets the applier for a module type. Module keys are case-insensitive.
func (r *ApplierRegistry) Register(moduleType string, a outbox.Applier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appliers[strings.ToUpper(moduleType)] = a
}

// Apply implements outbox.Applier.
func (r *ApplierRegistry) Apply(ctx context.Context, c outbox.DecisionCallback) error {
	r.mu.RLock()
	a, ok := r.appliers[strings.ToUpper(c.ModuleType)]
	r.mu.RUnlock()

	if !ok {
		r.log.Warn().
			Str("module_type", c.ModuleType).
			Str("request_id", c.RequestID).
			Str("final_status", c.FinalStatus).
			Msg("no decision applier registered, decision not applied")
		return nil
	}
	return a.Apply(ctx, c)
}

// SQLApplier writes the final decision straight onto the business module's
// request table.
type SQLApplier struct {
	db    *database.DB
	table string
}

// NewSQLApplier creates an applier for a table name, optionally schema
// qualified ("hr.leave_requests").
func NewSQLApplier(db *database.DB, table string) (*SQLApplier, error) {
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("decision applier: empty table name")
	}
	return &SQLApplier{
		db:    db,
		table: pgx.Identifier(strings.Split(table, ".")).Sanitize(),
	}, nil
}

// Apply implements outbox.Applier.
func (a *SQLApplier) Apply(ctx context.Context, c outbox.DecisionCallback) error {
	query := `UPDATE ` + a.table + `
		SET status               = $2,
		    approval_instance_id = $3,
		    updated_at           = NOW()
		WHERE id = $1`

	tag, err := a.db.Exec(ctx, query, c.RequestID, c.FinalStatus, c.InstanceID)
	if err != nil {
		return fmt.Errorf("update %s: %w", a.table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s: request %s not found", a.table, c.RequestID)
	}
	return nil
}

// RegisterSQLAppliers registers a SQLApplier for every module -> table entry.
func RegisterSQLAppliers(r *ApplierRegistry, db *database.DB, tables map[string]string) error {
	for module, table := range tables {
		a, err := NewSQLApplier(db, table)
		if err != nil {
			return fmt.Errorf("module %s: %w", module, err)
		}
		r.Register(module, a)
	}
	return nil
}

var (
	_ outbox.Applier = (*ApplierRegistry)(nil)
	_ outbox.Applier = (*SQLApplier)(nil)
)
