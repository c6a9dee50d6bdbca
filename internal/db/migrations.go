package db

import (
	"fmt"

	"gorm.io/gorm"
)

type uniqueIndex struct {
	name    string
	table   string
	columns string
}

// Soft deleted rows must not block reuse of a name, so postgres and sqlite
// get partial indexes; mysql has none and falls back to including deleted_at.
var siteUnique = []uniqueIndex{
	{"ux_pc_groups_site_name", "pc_groups", "site_id, name"},
	{"ux_wake_week_plans_site_name", "wake_week_plans", "site_id, name"},
}

func MigrateUniqueIndexes(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	dialect := db.Dialector.Name()

	for _, ix := range siteUnique {
		if db.Migrator().HasIndex(ix.table, ix.name) {
			continue
		}
		var err error
		switch dialect {
		case "mysql":
			err = db.Exec(fmt.Sprintf("CREATE UNIQUE INDEX `%s` ON `%s` (%s, `deleted_at`)", ix.name, ix.table, ix.columns)).Error
		case "postgres":
			err = db.Exec(fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON "%s" (%s) WHERE "deleted_at" IS NULL`, ix.name, ix.table, ix.columns)).Error
		case "sqlite":
			err = db.Exec(fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s) WHERE deleted_at IS NULL`, ix.name, ix.table, ix.columns)).Error
		default:
			return fmt.Errorf("unsupported dialect: %s", dialect)
		}
		if err != nil {
			return fmt.Errorf("unique index %s: %w", ix.name, err)
		}
	}
	return nil
}
