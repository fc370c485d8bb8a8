package schema

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Columns every tracked table carries for replication bookkeeping.
var SyncFields = []string{"is_deleted", "created_time", "last_updated_time", "sync_version", "db_source"}

// Trigger metadata that never belongs in a row.
var SystemFields = []string{"master_db", "timestamp", "primary_key"}

// TimestampFields are normalized to "YYYY-MM-DD HH:MM:SS" on every table.
var TimestampFields = []string{"created_time", "last_updated_time", "change_time"}

// Fields ignored when deciding whether two rows carry the same business data.
var nonCoreFields = []string{
	"created_at", "updated_at", "last_updated_time", "created_time",
	"sync_version", "sync_status", "last_sync_time",
}

// Default is a required-field value filled in when a replicated row lacks it.
// Generator takes precedence over Value.
type Default struct {
	Field     string      `yaml:"field"`
	Value     interface{} `yaml:"value"`
	Generator string      `yaml:"generator"`
}

// Table describes one replicated table.
type Table struct {
	Name       string    `yaml:"name"`
	PrimaryKey string    `yaml:"primary_key"`
	Fields     []string  `yaml:"fields"`
	DateFields []string  `yaml:"date_fields"`
	Exclude    []string  `yaml:"exclude"`
	Required   []string  `yaml:"required"`
	Defaults   []Default `yaml:"defaults"`

	fields map[string]bool
	dates  map[string]bool
	skip   map[string]bool
}

func (t *Table) index() {
	t.fields = make(map[string]bool, len(t.Fields)+len(SyncFields))
	for _, f := range t.Fields {
		t.fields[f] = true
	}
	for _, f := range SyncFields {
		t.fields[f] = true
	}
	t.fields[t.PrimaryKey] = true

	t.dates = make(map[string]bool, len(t.DateFields))
	for _, f := range t.DateFields {
		t.dates[f] = true
	}

	t.skip = make(map[string]bool, len(t.Exclude)+len(SystemFields))
	for _, f := range SystemFields {
		t.skip[f] = true
	}
	for _, f := range t.Exclude {
		t.skip[f] = true
	}
}

// KindOf reports how a column's values are normalized.
func (t *Table) KindOf(field string) Kind {
	if t.dates[field] {
		return KindDate
	}
	for _, f := range TimestampFields {
		if f == field {
			return KindTimestamp
		}
	}
	return KindPlain
}

func (t *Table) Allowed(field string) bool {
	return t.fields[field] && !t.skip[field]
}

// IsCore reports whether a column takes part in data comparison.
func (t *Table) IsCore(field string) bool {
	if t.skip[field] {
		return false
	}
	for _, f := range nonCoreFields {
		if f == field {
			return false
		}
	}
	return true
}

// Registry holds the fixed set of replicated tables.
type Registry struct {
	tables       map[string]*Table
	passwordHash string
}

type file struct {
	Tables []Table `yaml:"tables"`
}

// NewRegistry builds the built-in registry. defaultPassword is hashed once and
// used to backfill system_users rows that arrive without a password.
func NewRegistry(defaultPassword string) (*Registry, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(defaultPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash default password: %w", err)
	}
	r := &Registry{tables: map[string]*Table{}, passwordHash: string(hash)}
	for _, t := range builtinTables() {
		t := t
		t.index()
		r.tables[t.Name] = &t
	}
	return r, nil
}

// LoadOverrides merges a YAML file into the registry. Tables named in the file
// replace the built-in definition entirely.
func (r *Registry) LoadOverrides(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema file: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse schema file %s: %w", path, err)
	}
	for _, t := range f.Tables {
		t := t
		if t.Name == "" || t.PrimaryKey == "" {
			return fmt.Errorf("schema file %s: table entries need name and primary_key", path)
		}
		for _, d := range t.Defaults {
			if d.Generator != "" && !knownGenerator(d.Generator) {
				return fmt.Errorf("schema file %s: table %s: unknown generator %q", path, t.Name, d.Generator)
			}
		}
		t.index()
		r.tables[t.Name] = &t
	}
	return nil
}

func (r *Registry) Lookup(name string) (*Table, bool) {
	t, ok := r.tables[name]
	return t, ok
}

// Names returns the registered tables in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tables))
	for n := range r.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) PrimaryKey(table string) (string, error) {
	t, ok := r.tables[table]
	if !ok {
		return "", fmt.Errorf("table %q is not replicated", table)
	}
	return t.PrimaryKey, nil
}

// Clean reduces data to the table's replicable columns and normalizes date and
// timestamp values. nil values are kept; they are explicit NULLs.
func (r *Registry) Clean(table string, data map[string]interface{}) map[string]interface{} {
	cleaned := make(map[string]interface{}, len(data))
	t, ok := r.tables[table]
	if !ok {
		return cleaned
	}
	for k, v := range data {
		if !t.Allowed(k) {
			continue
		}
		cleaned[k] = Format(v, t.KindOf(k))
	}
	return cleaned
}

// MissingRequiredError is returned by Backfill when a mandatory column has no value
// and no default can be derived.
type MissingRequiredError struct {
	Table string
	Field string
}

func (e *MissingRequiredError) Error() string {
	return fmt.Sprintf("%s: missing required field %s", e.Table, e.Field)
}

// Backfill fills absent required columns. Generated values derive from the record
// id and the row so every node receives the same value.
func (r *Registry) Backfill(table, recordID string, row map[string]interface{}) (map[string]interface{}, error) {
	t, ok := r.tables[table]
	if !ok {
		return row, fmt.Errorf("table %q is not replicated", table)
	}
	out := make(map[string]interface{}, len(row)+len(t.Defaults))
	for k, v := range row {
		out[k] = v
	}
	for _, f := range t.Required {
		if isBlank(out[f]) {
			return nil, &MissingRequiredError{Table: table, Field: f}
		}
	}
	for _, d := range t.Defaults {
		if !isBlank(out[d.Field]) {
			continue
		}
		if d.Generator != "" {
			out[d.Field] = r.generate(d.Generator, recordID, out)
			continue
		}
		out[d.Field] = d.Value
	}
	return out, nil
}

const (
	GenAutoISBN     = "auto_isbn"
	GenTempCard     = "temp_card"
	GenCreatedDate  = "created_date"
	GenPlusOneYear  = "created_date_plus_year"
	GenPasswordHash = "default_password"
)

func knownGenerator(g string) bool {
	switch g {
	case GenAutoISBN, GenTempCard, GenCreatedDate, GenPlusOneYear, GenPasswordHash:
		return true
	}
	return false
}

func (r *Registry) generate(gen, recordID string, row map[string]interface{}) interface{} {
	switch gen {
	case GenAutoISBN:
		return "AUTO" + padID(recordID, 12)
	case GenTempCard:
		return "TEMP" + padID(recordID, 10)
	case GenCreatedDate:
		return baseDate(row).Format(DateLayout)
	case GenPlusOneYear:
		return baseDate(row).AddDate(1, 0, 0).Format(DateLayout)
	case GenPasswordHash:
		return r.passwordHash
	}
	return nil
}

// baseDate is the row's created_time day, or today when the row has none.
func baseDate(row map[string]interface{}) time.Time {
	if ts, ok := ParseTime(row["created_time"]); ok {
		y, m, d := ts.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	y, m, d := time.Now().UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func padID(recordID string, width int) string {
	if n, err := strconv.ParseUint(recordID, 10, 64); err == nil {
		return fmt.Sprintf("%0*d", width, n)
	}
	id := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' {
			return r
		}
		return -1
	}, recordID)
	if len(id) > width {
		id = id[len(id)-width:]
	}
	return id
}

func isBlank(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case float64:
		return x == 0
	case int:
		return x == 0
	case int64:
		return x == 0
	case uint64:
		return x == 0
	}
	return false
}

func builtinTables() []Table {
	return []Table{
		{
			Name:       "system_users",
			PrimaryKey: "user_id",
			Fields:     []string{"username", "password", "real_name", "role", "email", "phone", "last_login", "status"},
			DateFields: []string{"last_login"},
			Exclude:    []string{"password_enc"},
			Defaults: []Default{
				{Field: "password", Generator: GenPasswordHash},
				{Field: "status", Value: "active"},
				{Field: "role", Value: "reader"},
			},
		},
		{
			Name:       "categories",
			PrimaryKey: "category_id",
			Fields:     []string{"category_name", "description", "parent_id", "sort_order"},
		},
		{
			Name:       "reader_profiles",
			PrimaryKey: "profile_id",
			Fields: []string{
				"user_id", "card_number", "gender", "department", "membership_type",
				"register_date", "expire_date", "max_borrow",
			},
			DateFields: []string{"register_date", "expire_date"},
			Required:   []string{"user_id"},
			Defaults: []Default{
				{Field: "register_date", Generator: GenCreatedDate},
				{Field: "expire_date", Generator: GenPlusOneYear},
				{Field: "membership_type", Value: "standard"},
				{Field: "max_borrow", Value: 5},
				{Field: "card_number", Generator: GenTempCard},
			},
		},
		{
			Name:       "books",
			PrimaryKey: "book_id",
			Fields: []string{
				"title", "author", "isbn", "publisher", "publish_date", "category_id",
				"location", "status", "description", "cover_image",
			},
			DateFields: []string{"publish_date"},
			Defaults: []Default{
				{Field: "isbn", Generator: GenAutoISBN},
				{Field: "status", Value: "available"},
				{Field: "category_id", Value: 1},
			},
		},
		{
			Name:       "borrow_records",
			PrimaryKey: "record_id",
			Fields: []string{
				"reader_id", "book_id", "borrow_date", "due_date", "return_date",
				"renew_count", "status", "fine_amount", "operator_id",
			},
			DateFields: []string{"borrow_date", "due_date", "return_date"},
		},
	}
}
