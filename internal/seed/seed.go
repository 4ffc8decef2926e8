package seed

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/Simplici0/lpbf-planner/internal/catalog"
)

// Stats contains seed operation counters.
type Stats struct {
	Inserts int
	Updates int
}

// Run mirrors the machine catalog into the database in an idempotent way.
func Run(db *sql.DB, cat *catalog.Catalog) (Stats, error) {
	tx, err := db.Begin()
	if err != nil {
		return Stats{}, fmt.Errorf("begin seed transaction: %w", err)
	}

	stats := Stats{}

	for _, name := range cat.MachineNames() {
		m := cat.Machines[name]
		if err := ensureMachine(tx, name, m.PlatformSurfaceCM2, &stats); err != nil {
			_ = tx.Rollback()
			return Stats{}, err
		}
		materials := append([]string(nil), m.Materials...)
		sort.Strings(materials)
		for _, material := range materials {
			if err := ensureMachineMaterial(tx, name, material, &stats); err != nil {
				_ = tx.Rollback()
				return Stats{}, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return Stats{}, fmt.Errorf("commit seed transaction: %w", err)
	}

	return stats, nil
}

func ensureMachine(tx *sql.Tx, name string, surface float64, stats *Stats) error {
	var current float64
	err := tx.QueryRow(`SELECT platform_surface_cm2 FROM machines WHERE name = ?`, name).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(`
			INSERT INTO machines (name, platform_surface_cm2)
			VALUES (?, ?)
		`, name, surface); err != nil {
			return fmt.Errorf("insert machine %s: %w", name, err)
		}
		stats.Inserts++
		return nil
	case err != nil:
		return fmt.Errorf("check machine %s existence: %w", name, err)
	}

	if current == surface {
		return nil
	}
	if _, err := tx.Exec(`
		UPDATE machines
		SET platform_surface_cm2 = ?, updated_at = CURRENT_TIMESTAMP
		WHERE name = ?
	`, surface, name); err != nil {
		return fmt.Errorf("update machine %s: %w", name, err)
	}
	stats.Updates++
	return nil
}

func ensureMachineMaterial(tx *sql.Tx, machine, material string, stats *Stats) error {
	var exists bool
	if err := tx.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM machine_materials WHERE machine = ? AND material = ? LIMIT 1)
	`, machine, material).Scan(&exists); err != nil {
		return fmt.Errorf("check material %s on %s: %w", material, machine, err)
	}
	if exists {
		return nil
	}

	if _, err := tx.Exec(`
		INSERT INTO machine_materials (machine, material)
		VALUES (?, ?)
	`, machine, material); err != nil {
		return fmt.Errorf("insert material %s on %s: %w", material, machine, err)
	}
	stats.Inserts++
	return nil
}
