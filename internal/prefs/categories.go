package prefs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jask/clarify/internal/database/repository"
)

const categoriesFile = "categories.json"

// CategoryEntry is one category in an export file. Path lists the names
// from the root down to the category itself.
type CategoryEntry struct {
	Path   []string `json:"path"`
	NameEN *string  `json:"name_en,omitempty"`
	Type   string   `json:"type"`
}

// DefaultCategoriesPath is the export location under the user config dir.
func DefaultCategoriesPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "clarify", categoriesFile), nil
}

// Entries flattens a category list into export entries, parents first.
func Entries(cats []repository.Category) ([]CategoryEntry, error) {
	byID := make(map[int64]repository.Category, len(cats))
	for _, c := range cats {
		byID[c.ID] = c
	}
	out := make([]CategoryEntry, 0, len(cats))
	for _, c := range cats {
		var path []string
		seen := map[int64]bool{}
		cur := c
		for {
			if seen[cur.ID] {
				return nil, fmt.Errorf("category %d: parent cycle", c.ID)
			}
			seen[cur.ID] = true
			path = append([]string{cur.Name}, path...)
			if cur.ParentID == nil {
				break
			}
			parent, ok := byID[*cur.ParentID]
			if !ok {
				return nil, fmt.Errorf("category %d: missing parent %d", cur.ID, *cur.ParentID)
			}
			cur = parent
		}
		out = append(out, CategoryEntry{Path: path, NameEN: c.NameEN, Type: c.Type})
	}
	return out, nil
}

func SaveCategories(path string, cats []repository.Category) error {
	entries, err := Entries(cats)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func LoadCategories(path string) ([]CategoryEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []CategoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return entries, nil
}

// ImportCategories creates every category on the entries' paths that does
// not exist yet. Existing categories are left untouched. It returns the
// number of categories created.
func ImportCategories(ctx context.Context, repos repository.Repos, entries []CategoryEntry) (int, error) {
	created := 0
	for _, e := range entries {
		if len(e.Path) == 0 {
			return created, fmt.Errorf("category entry with empty path")
		}
		var parent *int64
		for i, name := range e.Path {
			name = strings.TrimSpace(name)
			if name == "" {
				return created, fmt.Errorf("category %q: empty name", strings.Join(e.Path, "/"))
			}
			existing, err := repos.Categories.FindChild(ctx, name, parent)
			if err != nil {
				return created, err
			}
			if existing != nil {
				id := existing.ID
				parent = &id
				continue
			}
			c := repository.Category{Name: name, ParentID: parent, Type: e.Type}
			if i == len(e.Path)-1 {
				c.NameEN = e.NameEN
			}
			id, err := repos.Categories.Create(ctx, c)
			if err != nil {
				return created, fmt.Errorf("create category %q: %w", name, err)
			}
			created++
			parent = &id
		}
	}
	return created, nil
}
