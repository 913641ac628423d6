package main

import (
	"fmt"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/zpoold/zpoold/pkg/rrdb"
)

// timelinePath is where a pool's TXG<->time ring lives; separate from
// the main pool registry since it's an append-mostly index rather than
// pool configuration.
func timelinePath(poolName string) (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".zpoold", poolName+".timeline.db"), nil
}

var historyAt int64

var poolHistoryCmd = &cobra.Command{
	Use:   "history <name>",
	Short: "find the txg nearest a given unix timestamp",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		path, err := timelinePath(name)
		if err != nil {
			return err
		}
		db, err := rrdb.Open(path)
		if err != nil {
			return fmt.Errorf("open timeline for %q: %w", name, err)
		}
		defer db.Close()

		at := historyAt
		if at == 0 {
			at = time.Now().Unix()
		}
		txg, found, err := db.Query(at)
		if err != nil {
			return err
		}
		if !found {
			log.Printf("no recorded txg for pool %q yet", name)
			return nil
		}
		log.Printf("pool %q: nearest recorded txg to %d is %d", name, at, txg)
		return nil
	},
}

func init() {
	poolHistoryCmd.Flags().Int64Var(&historyAt, "at", 0, "unix timestamp to query (default: now)")
}

// recordTimelineSample appends (unixTime, txg) to name's timeline ring,
// called after pool creation and after each scrub so 'pool history' has
// something to answer queries from.
func recordTimelineSample(poolName string, unixTime int64, txg uint64) error {
	path, err := timelinePath(poolName)
	if err != nil {
		return err
	}
	db, err := rrdb.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Record(unixTime, txg)
}
