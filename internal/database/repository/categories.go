package repository

import (
	"context"
	"database/sql"
)

// CategoryRepo handles category_definitions and category_mappings.
type CategoryRepo struct {
	db DBTX
}

func NewCategoryRepo(db DBTX) *CategoryRepo { return &CategoryRepo{db: db} }

func (r *CategoryRepo) Create(ctx context.Context, c Category) (int64, error) {
	typ := c.Type
	if typ == "" {
		typ = CategoryExpense
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO category_definitions(name, name_en, parent_id, category_type) VALUES (?, ?, ?, ?)`,
		c.Name, c.NameEN, c.ParentID, typ)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *CategoryRepo) List(ctx context.Context) ([]Category, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, name_en, parent_id, category_type FROM category_definitions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *CategoryRepo) Get(ctx context.Context, id int64) (*Category, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, name_en, parent_id, category_type FROM category_definitions WHERE id = ?`, id)
	c, err := scanCategory(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// FindByName matches any of names against name or name_en, case-insensitively.
// The first name in the list wins when several categories match.
func (r *CategoryRepo) FindByName(ctx context.Context, names ...string) (*Category, error) {
	for _, name := range names {
		row := r.db.QueryRowContext(ctx, `SELECT id, name, name_en, parent_id, category_type FROM category_definitions
		WHERE lower(name) = lower(?) OR lower(COALESCE(name_en, '')) = lower(?)
		ORDER BY id LIMIT 1`, name, name)
		c, err := scanCategory(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
	return nil, nil
}

// FindChild returns the category named name directly under parentID (nil
// for roots), or nil, nil.
func (r *CategoryRepo) FindChild(ctx context.Context, name string, parentID *int64) (*Category, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, name_en, parent_id, category_type FROM category_definitions
	WHERE name = ? AND parent_id IS ?`, name, parentID)
	return oneOrNil(scanCategory(row))
}

// IDsByType returns the ids of every category of the given type.
func (r *CategoryRepo) IDsByType(ctx context.Context, categoryType string) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM category_definitions WHERE category_type = ? ORDER BY id`, categoryType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *CategoryRepo) Mappings(ctx context.Context) ([]CategoryMapping, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT hint, category_definition_id FROM category_mappings ORDER BY hint`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CategoryMapping
	for rows.Next() {
		var m CategoryMapping
		if err := rows.Scan(&m.Hint, &m.CategoryID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *CategoryRepo) UpsertMapping(ctx context.Context, hint string, categoryID int64) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO category_mappings(hint, category_definition_id) VALUES (?, ?)
	ON CONFLICT(hint) DO UPDATE SET category_definition_id = excluded.category_definition_id`, hint, categoryID)
	return err
}

func scanCategory(row scanner) (Category, error) {
	var c Category
	var nameEN sql.NullString
	var parent sql.NullInt64
	if err := row.Scan(&c.ID, &c.Name, &nameEN, &parent, &c.Type); err != nil {
		return Category{}, err
	}
	c.NameEN = nullString(nameEN)
	c.ParentID = nullInt(parent)
	return c, nil
}
