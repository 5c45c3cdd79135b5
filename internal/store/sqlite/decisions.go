package sqlite

import (
	"context"
	"errors"
	"strings"

	"confluence/internal/store"
	"confluence/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxListLimit = 1000

type decisionRepo struct {
	db *gorm.DB
}

func NewDecisionRepo(db *gorm.DB) *decisionRepo {
	return &decisionRepo{db: db}
}

// SaveDecision 以 decision_id 幂等写入，重复回放同一记录不会产生多行。
func (r *decisionRepo) SaveDecision(ctx context.Context, rec *model.DecisionModel) error {
	if rec == nil {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "decision_id"}},
		DoNothing: true,
	}).Create(rec).Error
}

func (r *decisionRepo) FindDecision(ctx context.Context, decisionID string) (*model.DecisionModel, error) {
	var rec model.DecisionModel
	err := r.db.WithContext(ctx).Where("decision_id = ?", strings.TrimSpace(decisionID)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *decisionRepo) ListDecisions(ctx context.Context, q store.DecisionQuery) ([]model.DecisionModel, error) {
	var recs []model.DecisionModel
	tx := r.filtered(ctx, q).Order("ts DESC").Order("id DESC")
	limit := q.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	tx = tx.Limit(limit)
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}
	if err := tx.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *decisionRepo) CountDecisions(ctx context.Context, q store.DecisionQuery) (int64, error) {
	var n int64
	err := r.filtered(ctx, q).Model(&model.DecisionModel{}).Count(&n).Error
	return n, err
}

func (r *decisionRepo) filtered(ctx context.Context, q store.DecisionQuery) *gorm.DB {
	tx := r.db.WithContext(ctx)
	if sym := strings.ToUpper(strings.TrimSpace(q.Symbol)); sym != "" {
		tx = tx.Where("symbol = ?", sym)
	}
	if stage := strings.TrimSpace(q.Stage); stage != "" {
		tx = tx.Where("stage = ?", stage)
	}
	if q.Approved != nil {
		tx = tx.Where("approved = ?", *q.Approved)
	}
	return tx
}
