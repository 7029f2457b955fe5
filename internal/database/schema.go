package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Typed table names
const (
	TableSections      = "sections"
	TableTerms         = "terms"
	TableCurrentTerms  = "current_terms"
	TableMembers       = "members"
	TableEvents        = "events"
	TableAttendance    = "attendance"
	TableSectionMovers = "flexi_section_movers"
	TableLastSync      = "last_sync"
	TableMigration     = "migration_state"
	TableQuarantine    = "quarantine"
	TableAuth          = "auth"
)

// Secondary index names, one virtual column each
const (
	IndexSectionID   = "section_id"
	IndexMemberID    = "member_id"
	IndexEventID     = "event_id"
	IndexSourceTable = "source_table"
)

// LegacyPrefix marks keys in the pre-migration blob namespace
const LegacyPrefix = "legacy:"

// tables lists the typed tables and their secondary indices. Table and index
// names are interpolated into SQL, so only names listed here are accepted.
var tables = map[string][]string{
	TableSections:      nil,
	TableTerms:         {IndexSectionID},
	TableCurrentTerms:  nil,
	TableMembers:       {IndexSectionID, IndexMemberID},
	TableEvents:        {IndexSectionID},
	TableAttendance:    {IndexEventID, IndexSectionID},
	TableSectionMovers: {IndexSectionID},
	TableLastSync:      nil,
	TableMigration:     nil,
	TableQuarantine:    {IndexSourceTable},
	TableAuth:          nil,
}

// TableNames returns every typed table name in sorted order
func TableNames() []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func checkTable(table string) error {
	if _, ok := tables[table]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return nil
}

func checkIndex(table, index string) error {
	indices, ok := tables[table]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	for _, name := range indices {
		if name == index {
			return nil
		}
	}
	return fmt.Errorf("%w: %s.%s", ErrUnknownIndex, table, index)
}

// migrateUp runs all pending schema migrations
func migrateUp(conn *sql.DB) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create source driver: %w", err)
	}

	dbDriver, err := sqlite.WithInstance(conn, &sqlite.Config{})
	if err != nil {
		sourceDriver.Close()
		return fmt.Errorf("failed to create database driver: %w", classify(err))
	}

	// Not closing m: it would close conn, which the caller owns
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		sourceDriver.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migration failed: %w", classify(err))
	}
	return nil
}
