package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/integrity"
	"github.com/cuemby/adcm/pkg/log"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"
)

var errViolations = errors.New("integrity violations found")

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errViolations) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "adcm-fsck",
	Short: "Check the ADCM store for broken invariants",
	Long: `Check an ADCM data directory offline.

The store is opened exclusively, so the daemon must be stopped. Every
host-component entry, config owner, lock and concern is verified. With
--repair the stale host-component rows and locks of finished tasks are
removed after a backup of the database is written.

Exits non-zero when violations remain.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runFsck,
}

func init() {
	f := rootCmd.Flags()
	f.String("data-dir", "./adcm-data", "ADCM data directory")
	f.Bool("repair", false, "Fix repairable violations")
	f.String("backup", "", "Backup path written before repair (default: <data-dir>/adcm.db.backup)")
	f.Bool("json", false, "Print the report as JSON")
}

func runFsck(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	repair, _ := cmd.Flags().GetBool("repair")
	backup, _ := cmd.Flags().GetString("backup")
	asJSON, _ := cmd.Flags().GetBool("json")

	log.Init(log.Config{Level: log.InfoLevel, Output: os.Stderr})
	logger := log.WithComponent("fsck")

	dbPath := filepath.Join(dataDir, storage.DBFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("database not found at %s", dbPath)
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("%w (is the daemon still running?)", err)
	}
	defer store.Close()

	if repair {
		if backup == "" {
			backup = dbPath + ".backup"
		}
		err := store.DB().View(func(tx *bolt.Tx) error {
			return tx.CopyFile(backup, 0600)
		})
		if err != nil {
			return fmt.Errorf("failed to create backup: %v", err)
		}
		logger.Info().Str("path", backup).Msg("Backup created")

		if err := store.Reindex(); err != nil {
			return fmt.Errorf("reindex failed: %v", err)
		}
		logger.Info().Msg("Indexes rebuilt")

		var batch events.Batch
		var fixed []integrity.Violation
		err = store.Update(func(tx storage.Tx) error {
			fixed, err = integrity.Repair(tx, &batch)
			return err
		})
		if err != nil {
			return fmt.Errorf("repair failed: %v", err)
		}
		for _, v := range fixed {
			logger.Info().Str("rule", string(v.Rule)).Str("object", v.Ref.String()).Msg("Repaired: " + v.Message)
		}
		logger.Info().Int("repaired", len(fixed)).Int("events", len(batch.Events())).Msg("Repair complete")
	}

	var report *integrity.Report
	err = store.View(func(tx storage.Tx) error {
		report, err = integrity.Check(tx)
		return err
	})
	if err != nil {
		return fmt.Errorf("check failed: %v", err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Printf("Checked %d objects, %d concerns, %d tasks\n", report.Objects, report.Concerns, report.Tasks)
		for _, v := range report.Violations {
			mark := " "
			if v.Repairable {
				mark = "*"
			}
			fmt.Printf("%s %s\n", mark, v)
		}
		if report.OK() {
			fmt.Println("✓ No violations")
		} else if !repair {
			fmt.Println("\nViolations marked * can be fixed with --repair.")
		}
	}

	if !report.OK() {
		return errViolations
	}
	return nil
}
