package store

import (
	"context"

	"confluence/internal/store/model"
)

// DecisionQuery 用于筛选审计记录，零值字段不参与过滤。
type DecisionQuery struct {
	Symbol   string
	Stage    string
	Approved *bool
	Limit    int
	Offset   int
}

// DecisionRepository handles decision audit persistence.
type DecisionRepository interface {
	SaveDecision(ctx context.Context, rec *model.DecisionModel) error
	FindDecision(ctx context.Context, decisionID string) (*model.DecisionModel, error)
	ListDecisions(ctx context.Context, q DecisionQuery) ([]model.DecisionModel, error)
	CountDecisions(ctx context.Context, q DecisionQuery) (int64, error)
}

// TradeRepository handles trade outcome persistence.
type TradeRepository interface {
	SaveTrade(ctx context.Context, t *model.TradeOutcomeModel) error
	ListTrades(ctx context.Context, symbol string, limit int) ([]model.TradeOutcomeModel, error)
}

// Store is the entry point for audit database access.
type Store interface {
	Decisions() DecisionRepository
	Trades() TradeRepository
	Close() error
}
