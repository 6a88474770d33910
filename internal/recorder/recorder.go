package recorder

import (
	"context"
	"errors"

	"TradeSentinel/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the durable state of the host: tenant configurations, signals,
// decisions, positions and orders.
type Store interface {
	UpsertTenant(ctx context.Context, t *model.TenantConfig) error
	Tenants(ctx context.Context) ([]model.TenantConfig, error)
	SetTenantStatus(ctx context.Context, id string, status model.TenantStatus, diagnostic string) error

	CreateSignal(ctx context.Context, s *model.Signal) error
	UpdateSignal(ctx context.Context, s *model.Signal) error
	GetSignal(ctx context.Context, id string) (*model.Signal, error)
	// ListSignals returns signals in the given statuses. An empty tenantID matches all tenants.
	ListSignals(ctx context.Context, tenantID string, statuses ...model.SignalStatus) ([]model.Signal, error)

	RecordDecision(ctx context.Context, d *model.Decision) error
	ListDecisions(ctx context.Context, signalID string) ([]model.Decision, error)

	CreatePosition(ctx context.Context, p *model.Position) error
	UpdatePosition(ctx context.Context, p *model.Position) error
	OpenPositions(ctx context.Context) ([]model.Position, error)
	PositionsBySignal(ctx context.Context, signalID string) ([]model.Position, error)

	RecordOrder(ctx context.Context, o *model.Order) error
	ListOrders(ctx context.Context, positionID string) ([]model.Order, error)

	RecordIncomplete(ctx context.Context, op *model.IncompleteOp) error

	Close() error
}
