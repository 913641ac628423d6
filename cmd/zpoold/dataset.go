package main

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/zpoold/zpoold/pkg/dmu"
)

// datasets is a process-local registry of demo object sets, keyed by
// name: this engine's dataset directory (the MOS ZAP tree that would
// normally survive process restarts) never got built out, so dataset
// subcommands operate within a single CLI invocation's lifetime only —
// enough to exercise dmu.ObjSet's allocate/free/lookup operations end to
// end, not a durable dataset store.
var datasets = make(map[string]*dmu.ObjSet)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "manage object sets within the current process",
}

var datasetCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "create a new (in-process) object set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if _, exists := datasets[name]; exists {
			return fmt.Errorf("dataset %q already exists", name)
		}
		datasets[name] = dmu.NewObjSet(name, false)
		log.Printf("dataset %q created", name)
		return nil
	},
}

var datasetDestroyCmd = &cobra.Command{
	Use:   "destroy <name>",
	Short: "destroy an (in-process) object set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if _, exists := datasets[name]; !exists {
			return fmt.Errorf("dataset %q does not exist", name)
		}
		delete(datasets, name)
		log.Printf("dataset %q destroyed", name)
		return nil
	},
}

var datasetMatch string

var datasetListCmd = &cobra.Command{
	Use:   "list",
	Short: "list (in-process) object sets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var g glob.Glob
		if datasetMatch != "" {
			compiled, err := glob.Compile(datasetMatch)
			if err != nil {
				return fmt.Errorf("compile --match pattern %q: %w", datasetMatch, err)
			}
			g = compiled
		}

		rows := [][]string{{"NAME", "OBJECTS"}}
		for name, os := range datasets {
			if g != nil && !g.Match(name) {
				continue
			}
			rows = append(rows, []string{name, fmt.Sprintf("%d", len(os.Objects()))})
		}
		if len(rows) == 1 {
			log.Printf("no datasets in this process")
			return nil
		}
		printTable(rows)
		return nil
	},
}

func init() {
	datasetListCmd.Flags().StringVar(&datasetMatch, "match", "", "only list datasets whose name matches this glob pattern")
}
