package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zpoold/zpoold/pkg/spa"
	"github.com/zpoold/zpoold/pkg/vdev"
)

// defaultWriteLimit seeds a freshly created pool's write throttle budget
// (pkg/txg.Engine.adjustWriteLimit only ever shrinks it from here).
const defaultWriteLimit = 64 << 20

// openPool reattaches name's vdev leaves from its registry record and
// brings the pool ACTIVE, the CLI-process equivalent of an import: every
// invocation starts cold, so "opening" a pool always means reopening its
// backing files and replaying lifecycle state from scratch.
func openPool(name string) (*spa.Pool, *registryFile, error) {
	reg, err := loadRegistry()
	if err != nil {
		return nil, nil, err
	}
	rec, ok := reg.Pools[name]
	if !ok {
		return nil, nil, fmt.Errorf("pool %q is not known to this machine (try 'zpoold pool import')", name)
	}

	leaves := make([]vdev.Vdev, 0, len(rec.VdevPaths))
	for _, path := range rec.VdevPaths {
		fv := vdev.NewFileVdev(path)
		if _, err := fv.Open(context.Background()); err != nil {
			return nil, nil, fmt.Errorf("open vdev %s: %w", path, err)
		}
		leaves = append(leaves, fv)
	}

	pool := spa.NewPool(name, leaves, rec.WriteLimit)
	if err := pool.Open(); err != nil {
		return nil, nil, fmt.Errorf("activate pool %q: %w", name, err)
	}
	return pool, reg, nil
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "manage storage pools",
}

var poolCreateCmd = &cobra.Command{
	Use:   "create <name> <vdev-file>...",
	Short: "create a new pool over one or more file-backed vdevs",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, paths := args[0], args[1:]

		reg, err := loadRegistry()
		if err != nil {
			return err
		}
		if _, exists := reg.Pools[name]; exists {
			return fmt.Errorf("pool %q already exists", name)
		}

		leaves := make([]vdev.Vdev, 0, len(paths))
		absPaths := make([]string, 0, len(paths))
		for _, path := range paths {
			abs, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("resolve path %s: %w", path, err)
			}
			fv := vdev.NewFileVdev(abs)
			if _, err := fv.Open(context.Background()); err != nil {
				return fmt.Errorf("open vdev %s: %w", abs, err)
			}
			leaves = append(leaves, fv)
			absPaths = append(absPaths, abs)
		}

		pool := spa.NewPool(name, leaves, defaultWriteLimit)
		if err := pool.Create(); err != nil {
			return fmt.Errorf("create pool %q: %w", name, err)
		}

		guid := strings.ReplaceAll(uuid.New().String(), "-", "")
		reg.Pools[name] = poolRecord{Guid: guid, VdevPaths: absPaths, WriteLimit: defaultWriteLimit}
		if err := saveRegistry(reg); err != nil {
			return err
		}
		if err := recordTimelineSample(name, time.Now().Unix(), 0); err != nil {
			log.Warnf("failed to record timeline sample: %v", err)
		}

		log.Printf("pool %q created with %d vdev(s), state %s", name, len(leaves), pool.State())
		return nil
	},
}

var poolDestroyCmd = &cobra.Command{
	Use:   "destroy <name>",
	Short: "permanently destroy a pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		pool, reg, err := openPool(name)
		if err != nil {
			return err
		}
		if err := pool.Destroy(); err != nil {
			return fmt.Errorf("destroy pool %q: %w", name, err)
		}
		delete(reg.Pools, name)
		if err := saveRegistry(reg); err != nil {
			return err
		}
		log.Printf("pool %q destroyed", name)
		return nil
	},
}

var poolExportCmd = &cobra.Command{
	Use:   "export <name>",
	Short: "export an active pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		pool, _, err := openPool(name)
		if err != nil {
			return err
		}
		if err := pool.Export(); err != nil {
			return fmt.Errorf("export pool %q: %w", name, err)
		}
		log.Printf("pool %q exported", name)
		return nil
	},
}

var poolImportCmd = &cobra.Command{
	Use:   "import <name>",
	Short: "import a previously exported pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		pool, _, err := openPool(name)
		if err != nil {
			return err
		}
		if err := pool.Import(); err != nil {
			return fmt.Errorf("import pool %q: %w", name, err)
		}
		if err := pool.Open(); err != nil {
			return fmt.Errorf("activate pool %q: %w", name, err)
		}
		log.Printf("pool %q imported, state %s", name, pool.State())
		return nil
	},
}

var statusFormat = formatTable

var poolStatusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "show pool status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadRegistry()
		if err != nil {
			return err
		}

		names := args
		if len(names) == 0 {
			for n := range reg.Pools {
				names = append(names, n)
			}
		}

		rows := [][]string{{"NAME", "GUID", "STATE", "ALLOCATED", "DEFERRED-FREE", "VDEVS"}}
		for _, name := range names {
			pool, _, err := openPool(name)
			if err != nil {
				return err
			}
			rows = append(rows, []string{
				name,
				reg.Pools[name].Guid,
				pool.State().String(),
				fmt.Sprintf("%d", pool.Allocated()),
				fmt.Sprintf("%d", pool.DeferredFree()),
				fmt.Sprintf("%d", len(reg.Pools[name].VdevPaths)),
			})
		}
		if len(rows) == 1 {
			log.Printf("no pools found")
			return nil
		}
		return renderRows(rows)
	},
}

func init() {
	poolStatusCmd.Flags().VarP(&statusFormat, "format", "f", "output format: table or yaml")
}
