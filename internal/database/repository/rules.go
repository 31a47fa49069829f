package repository

import (
	"context"
	"database/sql"
)

// RuleRepo handles categorization_rules.
type RuleRepo struct{ db DBTX }

func NewRuleRepo(db DBTX) *RuleRepo { return &RuleRepo{db: db} }

func (r *RuleRepo) Add(ctx context.Context, rule CategorizationRule) (int64, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO categorization_rules(name_pattern, target_category, category_definition_id, priority, is_active)
	VALUES (?, ?, ?, ?, ?)`, rule.Pattern, rule.TargetCategory, rule.CategoryID, rule.Priority, rule.Active)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListActive returns active rules, highest priority first.
func (r *RuleRepo) ListActive(ctx context.Context) ([]CategorizationRule, error) {
	return r.query(ctx, `SELECT id, name_pattern, target_category, category_definition_id, priority, is_active, created_at
	FROM categorization_rules WHERE is_active = 1 ORDER BY priority DESC, id`)
}

func (r *RuleRepo) List(ctx context.Context) ([]CategorizationRule, error) {
	return r.query(ctx, `SELECT id, name_pattern, target_category, category_definition_id, priority, is_active, created_at
	FROM categorization_rules ORDER BY priority DESC, id`)
}

func (r *RuleRepo) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE categorization_rules SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *RuleRepo) query(ctx context.Context, q string, args ...any) ([]CategorizationRule, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CategorizationRule
	for rows.Next() {
		var rule CategorizationRule
		var target sql.NullString
		var cat sql.NullInt64
		var created string
		if err := rows.Scan(&rule.ID, &rule.Pattern, &target, &cat, &rule.Priority, &rule.Active, &created); err != nil {
			return nil, err
		}
		rule.TargetCategory = nullString(target)
		rule.CategoryID = nullInt(cat)
		if rule.CreatedAt, err = ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}
