package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zpoold/zpoold/pkg/draid"
	"github.com/zpoold/zpoold/pkg/pretty"
)

var debugCmd = &cobra.Command{
	Use:    "debug",
	Short:  "low-level inspection helpers",
	Hidden: true,
}

var debugFlagsCmd = &cobra.Command{
	Use:   "flags <zio|abd> <hex-bitmask>",
	Short: "render a zio or abd flag bitmask in all three pretty-print forms",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, raw := args[0], args[1]
		bits, err := strconv.ParseUint(raw, 0, 64)
		if err != nil {
			return err
		}

		var bitsCol, pairs, str string
		switch kind {
		case "zio":
			bitsCol, pairs, str = pretty.ZioFlagBits(bits), pretty.ZioFlagPairs(bits), pretty.ZioFlagStr(bits)
		case "abd":
			bitsCol, pairs, str = pretty.AbdFlagBits(bits), pretty.AbdFlagPairs(bits), pretty.AbdFlagStr(bits)
		default:
			return cmd.Usage()
		}

		log.Printf("bits:  %s", bitsCol)
		log.Printf("pairs: %s", pairs)
		log.Printf("str:   %s", str)
		return nil
	},
}

var (
	draidChildren uint64
	draidParity   uint64
	draidSpares   uint64
)

// debugDraidCmd validates the single-group case: one data group spanning
// all non-spare children, an identity permutation over all children, and
// base 1 — the simplest layout vdev_draid_config_validate accepts. Only
// the checks that depend on the children, parity and spares counts can
// fail from these flags; the groups, base and permutation fields built
// here are always well formed.
var debugDraidCmd = &cobra.Command{
	Use:   "draid-validate",
	Short: "validate a single-group dRAID layout configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, p, s := draidChildren, draidParity, draidSpares
		data := []uint8{}
		if n > s+p {
			data = []uint8{uint8(n - s - p)}
		}
		perm := make([]uint8, n)
		for i := range perm {
			perm[i] = uint8(i)
		}

		cfg := draid.Config{
			Children: draid.U64(n),
			Parity:   draid.U64(p),
			Groups:   draid.U64(1),
			Spares:   draid.U64(s),
			Data:     data,
			Base:     draid.U64(1),
			Perm:     perm,
		}
		code := draid.Validate(cfg, nil, nil)
		if code != draid.OK {
			log.Errorf("invalid dRAID layout: %s", code)
			return nil
		}
		log.Printf("dRAID layout is valid: %d children, %d parity, %d spares, 1 group of %d data disks",
			n, p, s, data[0])
		return nil
	},
}

func init() {
	f := debugDraidCmd.Flags()
	f.Uint64Var(&draidChildren, "children", 6, "number of child vdevs")
	f.Uint64Var(&draidParity, "parity", 1, "parity level (1-3)")
	f.Uint64Var(&draidSpares, "spares", 1, "distributed spare count")
}
