package journal

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"path"
	"strconv"
	"strings"
	"time"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// schemaStep upgrades the journal from version-1 to version
type schemaStep struct {
	version int
	name    string
	sql     string
}

// schemaSteps lists schema/NNN_name.sql in order. Versions must run 1..n
// without gaps since user_version doubles as an index into the list.
func schemaSteps() ([]schemaStep, error) {
	files, err := fs.Glob(schemaFS, "schema/*.sql")
	if err != nil {
		return nil, err
	}

	steps := make([]schemaStep, 0, len(files))
	for i, file := range files {
		num, name, ok := strings.Cut(strings.TrimSuffix(path.Base(file), ".sql"), "_")
		version, err := strconv.Atoi(num)
		if !ok || err != nil {
			return nil, fmt.Errorf("schema file %s: expected NNN_name.sql", file)
		}
		if version != i+1 {
			return nil, fmt.Errorf("schema file %s: expected version %d", file, i+1)
		}
		body, err := schemaFS.ReadFile(file)
		if err != nil {
			return nil, err
		}
		steps = append(steps, schemaStep{version: version, name: name, sql: string(body)})
	}
	return steps, nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow("PRAGMA user_version").Scan(&v)
	return v, err
}

// upgradeSchema applies every step above the database's user_version.
// Each step and its user_version bump commit together. A journal that
// already has a schema is snapshotted first.
func upgradeSchema(db *sql.DB, dbPath string) error {
	steps, err := schemaSteps()
	if err != nil {
		return err
	}
	current, err := schemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	switch {
	case current > len(steps):
		return fmt.Errorf("journal schema v%d is newer than this build (v%d)", current, len(steps))
	case current == len(steps):
		return nil
	case current > 0:
		if err := snapshot(db, dbPath, current); err != nil {
			return err
		}
	}

	for _, step := range steps[current:] {
		if err := applyStep(db, step); err != nil {
			return fmt.Errorf("schema v%d (%s): %w", step.version, step.name, err)
		}
		log.Printf("Journal schema upgraded to v%d: %s", step.version, step.name)
	}
	return nil
}

func applyStep(db *sql.DB, step schemaStep) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(step.sql); err != nil {
		return err
	}
	// PRAGMA does not accept bound parameters
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", step.version)); err != nil {
		return err
	}
	return tx.Commit()
}

// snapshotPath names the copy taken before upgrading from version
func snapshotPath(dbPath string, version int) string {
	return fmt.Sprintf("%s.v%d-%s.bak", dbPath, version, time.Now().Format("20060102-150405"))
}

// snapshot writes a consistent copy of the journal, including pages still
// in the WAL, next to dbPath
func snapshot(db *sql.DB, dbPath string, version int) error {
	if dbPath == ":memory:" || strings.HasPrefix(dbPath, "file:") {
		return nil
	}
	target := snapshotPath(dbPath, version)
	if _, err := db.Exec("VACUUM INTO ?", target); err != nil {
		return fmt.Errorf("failed to snapshot journal: %w", err)
	}
	log.Printf("Journal snapshot before upgrade: %s", path.Base(target))
	return nil
}
