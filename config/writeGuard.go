package config

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrAppendOnlyTable = errors.New("table is append-only")
	ErrImmutableColumn = errors.New("column is immutable after creation")
)

// WriteGuardPlugin rejects statements that would break storage invariants:
//   - UPDATE/DELETE against append-only tables (the audit trail)
//   - UPDATE statements that touch columns fixed at insert time
//
// NOTE:
// - Raw/Exec SQL bypasses gorm callbacks and is not guarded.
// - Column checks only see map updates and explicit Select lists; full-struct Save is not inspected.
type WriteGuardPlugin struct {
	appendOnly map[string]bool
	immutable  map[string]map[string]bool
}

func NewWriteGuardPlugin(appendOnlyTables []string, immutableColumns map[string][]string) *WriteGuardPlugin {
	p := &WriteGuardPlugin{
		appendOnly: map[string]bool{},
		immutable:  map[string]map[string]bool{},
	}
	for _, t := range appendOnlyTables {
		p.appendOnly[strings.ToLower(t)] = true
	}
	for table, cols := range immutableColumns {
		set := map[string]bool{}
		for _, c := range cols {
			set[strings.ToLower(c)] = true
		}
		p.immutable[strings.ToLower(table)] = set
	}
	return p
}

func (p *WriteGuardPlugin) Name() string { return "write_guard" }

func (p *WriteGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Update().Before("gorm:update").Register("write_guard:update", p.updateCallback); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("write_guard:delete", p.deleteCallback); err != nil {
		return err
	}
	return nil
}

func (p *WriteGuardPlugin) deleteCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	table := statementTable(db)
	if p.appendOnly[table] {
		_ = db.AddError(fmt.Errorf("delete %s: %w", table, ErrAppendOnlyTable))
	}
}

func (p *WriteGuardPlugin) updateCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	table := statementTable(db)
	if p.appendOnly[table] {
		_ = db.AddError(fmt.Errorf("update %s: %w", table, ErrAppendOnlyTable))
		return
	}
	cols := p.immutable[table]
	if len(cols) == 0 {
		return
	}
	for _, name := range touchedColumns(db) {
		if cols[name] {
			_ = db.AddError(fmt.Errorf("update %s.%s: %w", table, name, ErrImmutableColumn))
			return
		}
	}
}

func statementTable(db *gorm.DB) string {
	if db.Statement.Table != "" {
		return strings.ToLower(db.Statement.Table)
	}
	if db.Statement.Schema != nil {
		return strings.ToLower(db.Statement.Schema.Table)
	}
	return ""
}

// touchedColumns returns snake_case column names named by map updates or Select().
func touchedColumns(db *gorm.DB) []string {
	var out []string
	add := func(name string) {
		if db.Statement.Schema != nil {
			if f := db.Statement.Schema.LookUpField(name); f != nil {
				out = append(out, strings.ToLower(f.DBName))
				return
			}
		}
		out = append(out, strings.ToLower(name))
	}
	switch dest := db.Statement.Dest.(type) {
	case map[string]interface{}:
		for k := range dest {
			add(k)
		}
	case *map[string]interface{}:
		if dest != nil {
			for k := range *dest {
				add(k)
			}
		}
	}
	for _, s := range db.Statement.Selects {
		if s == "*" {
			continue
		}
		add(s)
	}
	return out
}
