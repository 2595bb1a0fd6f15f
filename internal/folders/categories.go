// Package folders maps users and document categories onto remote drive folders.
package folders

import (
	"fmt"
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Category tags.
const (
	General  = "general"
	Payroll  = "payroll"
	Identity = "identity"
)

// Category maps a category tag to its fixed folder under a user's VAT folder.
type Category struct {
	Tag         string `yaml:"tag" json:"tag"`
	FolderName  string `yaml:"folder" json:"-"`
	Label       string `yaml:"label" json:"label"`
	PayrollOnly bool   `yaml:"payroll_only" json:"payroll_only"`
	Uploadable  bool   `yaml:"uploadable" json:"uploadable"`
	LegacySlug  string `yaml:"legacy_slug" json:"-"` // /get-<slug>-folder-structure routes
}

// Validate checks a single category entry.
func (c Category) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Tag, validation.Required),
		validation.Field(&c.FolderName, validation.Required),
	)
}

// DefaultCategories is the category table of the portal.
func DefaultCategories() []Category {
	return []Category{
		{Tag: General, FolderName: "00 ΑΡΧΕΙΟ ΠΕΛΑΤΗ", Label: "Client archive", Uploadable: true},
		{Tag: Payroll, FolderName: "ΦΜΥ", Label: "Payroll tax", PayrollOnly: true, LegacySlug: "fmy"},
		{Tag: Identity, FolderName: "ΑΦΜ", Label: "Tax registration", LegacySlug: "afm"},
	}
}

// Table is an ordered, validated category table.
type Table struct {
	list  []Category
	byTag map[string]Category
}

// NewTable builds a table, rejecting empty or duplicate tags.
func NewTable(categories []Category) (*Table, error) {
	if len(categories) == 0 {
		return nil, fmt.Errorf("category table is empty")
	}
	t := &Table{byTag: make(map[string]Category, len(categories))}
	for i, c := range categories {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("category %d: %w", i, err)
		}
		if _, dup := t.byTag[c.Tag]; dup {
			return nil, fmt.Errorf("duplicate category %q", c.Tag)
		}
		t.byTag[c.Tag] = c
		t.list = append(t.list, c)
	}
	return t, nil
}

// LoadTable reads a YAML category list from path, or returns the default
// table when path is empty.
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return NewTable(DefaultCategories())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read categories: %w", err)
	}
	var doc struct {
		Categories []Category `yaml:"categories"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse categories: %w", err)
	}
	return NewTable(doc.Categories)
}

// Get returns the category for tag.
func (t *Table) Get(tag string) (Category, bool) {
	c, ok := t.byTag[tag]
	return c, ok
}

// All returns the categories in table order.
func (t *Table) All() []Category {
	return append([]Category(nil), t.list...)
}

// Visible returns the categories a user may see.
func (t *Table) Visible(payroll bool) []Category {
	var out []Category
	for _, c := range t.list {
		if c.PayrollOnly && !payroll {
			continue
		}
		out = append(out, c)
	}
	return out
}

// ByLegacySlug finds the category served by the old per-category routes.
func (t *Table) ByLegacySlug(slug string) (Category, bool) {
	for _, c := range t.list {
		if c.LegacySlug != "" && c.LegacySlug == slug {
			return c, true
		}
	}
	return Category{}, false
}
