package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	bolt "go.etcd.io/bbolt"
)

var (
	dbPath     = flag.String("db", "./data/orchestrator.db", "Path to the orchestrator's bbolt database")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to back up the database before migration (default: <db>.backup)")
	toVersion  = flag.Int("to-version", currentSchemaVersion, "Target schema_version for stored plans")
)

// currentSchemaVersion must track domain.CurrentPlanSchemaVersion; it is
// duplicated here rather than imported so this tool has no dependency on
// the main module's build tags or a live cluster config.
const currentSchemaVersion = 1

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("workspace-orchestrator plan schema migration")
	log.Println("=============================================")

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		log.Fatalf("database not found at %s", *dbPath)
	}

	log.Printf("database: %s", *dbPath)
	log.Printf("target schema_version: %d", *toVersion)
	log.Printf("dry run: %v", *dryRun)

	if !*dryRun {
		backup := *backupPath
		if backup == "" {
			backup = *dbPath + ".backup"
		}
		log.Printf("creating backup: %s", backup)
		if err := copyFile(*dbPath, backup); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("backup created")
	}

	db, err := bolt.Open(*dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := migratePlans(db, *toVersion, *dryRun); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	if *dryRun {
		log.Println("dry run completed, no changes made")
	} else {
		log.Println("migration completed successfully")
	}
}

// migratePlans rewrites every entry in the "plans" bucket whose
// schema_version does not match toVersion, stamping the target version
// onto the stored JSON. Entries that fail to decode are left untouched
// and reported - the orchestrator's own GetPlan already treats an
// unparseable or version-mismatched entry as absent, so a skipped entry
// degrades to "stack not found" rather than corrupting state.
func migratePlans(db *bolt.DB, toVersion int, dryRun bool) error {
	var total, stale, migrated, skipped int

	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte("plans"))
		if bucket == nil {
			log.Println("no 'plans' bucket found, nothing to migrate")
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			total++
			var doc map[string]any
			if err := json.Unmarshal(v, &doc); err != nil {
				skipped++
				return nil
			}
			version, _ := doc["schema_version"].(float64)
			if int(version) != toVersion {
				stale++
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	log.Printf("found %d plans, %d at a stale schema_version, %d undecodable", total, stale, skipped)
	if stale == 0 {
		log.Println("nothing to migrate")
		return nil
	}
	if dryRun {
		log.Printf("[DRY RUN] would rewrite %d plans to schema_version %d", stale, toVersion)
		return nil
	}

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte("plans"))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var doc map[string]any
			if err := json.Unmarshal(v, &doc); err != nil {
				return nil
			}
			version, _ := doc["schema_version"].(float64)
			if int(version) == toVersion {
				return nil
			}
			doc["schema_version"] = toVersion
			rewritten, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("failed to re-marshal plan %s: %w", k, err)
			}
			if err := bucket.Put(k, rewritten); err != nil {
				return fmt.Errorf("failed to write plan %s: %w", k, err)
			}
			migrated++
			return nil
		})
	})
	if err != nil {
		return err
	}
	log.Printf("rewrote %d plans to schema_version %d", migrated, toVersion)
	return nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
