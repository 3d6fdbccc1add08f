// Package seed loads deterministic fixture data into migrated tables.
package seed

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/example/caredb/internal/persistence/migration"
)

var (
	// ErrUnknownFixture indicates a fixture set name missing from the catalog.
	ErrUnknownFixture = errors.New("unknown fixture set")

	// ErrInvalidFixture indicates a malformed fixture file.
	ErrInvalidFixture = errors.New("invalid fixture set")
)

// Namespace scopes every identifier derived from a "uuid:" directive.
var Namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://caredb.local/fixtures"))

const uuidDirective = "uuid:"

//go:embed fixtures/*.yaml
var embedded embed.FS

// Fixture is a named set of rows for several tables. Tables are listed
// with referenced tables first.
type Fixture struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Tables      []TableFixture `yaml:"tables"`
}

// TableFixture holds the rows for one table.
type TableFixture struct {
	Table     string           `yaml:"table"`
	Key       string           `yaml:"key"`
	Sensitive []string         `yaml:"sensitive"`
	Rows      []map[string]any `yaml:"rows"`
}

// KeyColumn returns the column identifying a row, "id" unless Key names another.
func (t TableFixture) KeyColumn() string {
	if t.Key == "" {
		return "id"
	}
	return t.Key
}

// Validate checks identifiers and that every row carries its key.
func (f Fixture) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidFixture)
	}
	if len(f.Tables) == 0 {
		return fmt.Errorf("%w: %s has no tables", ErrInvalidFixture, f.Name)
	}
	seen := make(map[string]bool, len(f.Tables))
	for _, t := range f.Tables {
		if !migration.ValidIdentifier(t.Table) {
			return fmt.Errorf("%w: %s: table name %q", ErrInvalidFixture, f.Name, t.Table)
		}
		if seen[t.Table] {
			return fmt.Errorf("%w: %s: table %s listed twice", ErrInvalidFixture, f.Name, t.Table)
		}
		seen[t.Table] = true
		key := t.KeyColumn()
		for i, row := range t.Rows {
			if _, ok := row[key]; !ok {
				return fmt.Errorf("%w: %s: %s row %d has no %s", ErrInvalidFixture, f.Name, t.Table, i+1, key)
			}
			for col := range row {
				if !migration.ValidIdentifier(col) {
					return fmt.Errorf("%w: %s: %s column %q", ErrInvalidFixture, f.Name, t.Table, col)
				}
			}
			for _, col := range t.Sensitive {
				if _, ok := row[col].(string); !ok {
					return fmt.Errorf("%w: %s: %s row %d sensitive column %s must be a string", ErrInvalidFixture, f.Name, t.Table, i+1, col)
				}
			}
		}
	}
	return nil
}

// Catalog holds the fixture sets available by name.
type Catalog struct {
	fixtures map[string]Fixture
}

// DefaultCatalog returns the fixture sets shipped with the binary.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(embedded, "fixtures")
}

// LoadCatalog reads every *.yaml file in dir.
func LoadCatalog(fsys fs.FS, dir string) (*Catalog, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read fixture directory %s: %w", dir, err)
	}

	c := &Catalog{fixtures: make(map[string]Fixture)}
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".yaml" {
			continue
		}
		filePath := path.Join(dir, entry.Name())
		content, err := fs.ReadFile(fsys, filePath)
		if err != nil {
			return nil, fmt.Errorf("read fixture %s: %w", filePath, err)
		}
		var f Fixture
		if err := yaml.Unmarshal(content, &f); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidFixture, filePath, err)
		}
		if err := c.Add(f); err != nil {
			return nil, fmt.Errorf("%s: %w", filePath, err)
		}
	}
	return c, nil
}

// Add registers f after validating it.
func (c *Catalog) Add(f Fixture) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if _, ok := c.fixtures[f.Name]; ok {
		return fmt.Errorf("%w: duplicate fixture set %s", ErrInvalidFixture, f.Name)
	}
	c.fixtures[f.Name] = f
	return nil
}

// Names returns the fixture set names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.fixtures))
	for name := range c.fixtures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the fixture set called name.
func (c *Catalog) Get(name string) (Fixture, error) {
	f, ok := c.fixtures[name]
	if !ok {
		return Fixture{}, fmt.Errorf("%w: %q (available: %s)", ErrUnknownFixture, name, strings.Join(c.Names(), ", "))
	}
	return f, nil
}

// ID returns the identifier a "uuid:<name>" directive resolves to.
func ID(name string) string {
	return uuid.NewSHA1(Namespace, []byte(name)).String()
}

// resolve expands value directives.
func resolve(v any) any {
	if s, ok := v.(string); ok && strings.HasPrefix(s, uuidDirective) {
		return ID(strings.TrimPrefix(s, uuidDirective))
	}
	return v
}
