package sqlite

import (
	"context"
	"strings"

	"confluence/internal/store/model"

	"gorm.io/gorm"
)

type tradeRepo struct {
	db *gorm.DB
}

func NewTradeRepo(db *gorm.DB) *tradeRepo {
	return &tradeRepo{db: db}
}

func (r *tradeRepo) SaveTrade(ctx context.Context, t *model.TradeOutcomeModel) error {
	if t == nil {
		return nil
	}
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *tradeRepo) ListTrades(ctx context.Context, symbol string, limit int) ([]model.TradeOutcomeModel, error) {
	var out []model.TradeOutcomeModel
	q := r.db.WithContext(ctx).Order("ts DESC").Order("id DESC")
	if sym := strings.ToUpper(strings.TrimSpace(symbol)); sym != "" {
		q = q.Where("symbol = ?", sym)
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	if err := q.Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
