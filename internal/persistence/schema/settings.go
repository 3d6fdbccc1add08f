package schema

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/example/caredb/internal/persistence/migration"
)

// ErrInvalidSettings indicates a tenant settings document that does not match its schema.
var ErrInvalidSettings = errors.New("invalid tenant settings")

//go:embed settings.schema.json
var settingsSchemaJSON []byte

const settingsSchemaURL = "https://caredb.local/schemas/settings.schema.json"

// Settings is the per-tenant feature and billing document stored in
// organizations.settings.
type Settings struct {
	Version  int      `json:"version"`
	Features Features `json:"features"`
	Billing  Billing  `json:"billing"`
}

// Features toggles optional product areas for a tenant.
type Features struct {
	OnlineBooking bool `json:"online_booking"`
	Invoicing     bool `json:"invoicing"`
	Surcharges    bool `json:"surcharges"`
}

// Billing holds invoice defaults.
type Billing struct {
	Currency      string `json:"currency"`
	RoundingCents int    `json:"rounding_cents"`
}

// DefaultSettings returns the document every new tenant starts with.
func DefaultSettings() Settings {
	return Settings{
		Version:  1,
		Features: Features{OnlineBooking: false, Invoicing: true, Surcharges: true},
		Billing:  Billing{Currency: "EUR", RoundingCents: 1},
	}
}

// DefaultSettingsDocument returns DefaultSettings encoded as JSON.
func DefaultSettingsDocument() string {
	doc, err := json.Marshal(DefaultSettings())
	if err != nil {
		panic(fmt.Sprintf("encode default settings: %v", err))
	}
	return string(doc)
}

var (
	compileOnce    sync.Once
	settingsSchema *jsonschema.Schema
	compileErr     error
)

func compiledSettingsSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(settingsSchemaJSON))
		if err != nil {
			compileErr = fmt.Errorf("parse settings schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(settingsSchemaURL, doc); err != nil {
			compileErr = fmt.Errorf("load settings schema: %w", err)
			return
		}
		settingsSchema, compileErr = c.Compile(settingsSchemaURL)
	})
	return settingsSchema, compileErr
}

// ValidateSettings checks raw against the settings schema and decodes it.
func ValidateSettings(raw []byte) (Settings, error) {
	sch, err := compiledSettingsSchema()
	if err != nil {
		return Settings{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Settings{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	if err := sch.Validate(inst); err != nil {
		return Settings{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return s, nil
}

// VerifyTenantSettings checks that every organization row carries a valid
// settings document. All offending rows are reported together.
func VerifyTenantSettings(ctx context.Context, q migration.Tx) error {
	rows, err := q.QueryContext(ctx, `SELECT id, settings FROM organizations ORDER BY id`)
	if err != nil {
		return fmt.Errorf("read tenant settings: %w", err)
	}
	defer rows.Close()

	var problems []error
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("scan tenant settings: %w", err)
		}
		if _, err := ValidateSettings([]byte(raw)); err != nil {
			problems = append(problems, fmt.Errorf("organization %s: %w", id, err))
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read tenant settings: %w", err)
	}
	return errors.Join(problems...)
}
