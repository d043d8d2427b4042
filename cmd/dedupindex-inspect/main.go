// Command dedupindex-inspect opens a dedupindex directory and reports its
// statistics, or queries a single name, from the command line.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	dedupindex "github.com/Voskan/dedupindex/pkg"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dedupindex-inspect:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dir string
	var jsonOut bool

	root := &cobra.Command{
		Use:           "dedupindex-inspect",
		Short:         "Inspect a dedupindex data directory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dir, "dir", "", "index data directory (required)")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "emit machine-readable JSON")
	root.MarkPersistentFlagRequired("dir")

	root.AddCommand(newStatsCmd(&dir, &jsonOut))
	root.AddCommand(newQueryCmd(&dir, &jsonOut))
	root.AddCommand(newVersionCmd())
	return root
}

func openReadOnly(dir string) (*dedupindex.Index, error) {
	logger, _ := zap.NewProduction()
	return dedupindex.Open(context.Background(), dir,
		dedupindex.WithMode(dedupindex.OpenLoadNoRebuild),
		dedupindex.WithLogger(logger),
	)
}

func newStatsCmd(dir *string, jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print index-wide statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := openReadOnly(*dir)
			if err != nil {
				return err
			}
			defer idx.Close()

			stats := idx.Statistics()
			if *jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			fmt.Printf("entries indexed:    %d\n", stats.EntriesIndexed)
			fmt.Printf("collision slots:    %d\n", stats.CollisionCount)
			fmt.Printf("discarded (aged):   %d\n", stats.DiscardCount)
			fmt.Printf("overflow events:    %d\n", stats.OverflowCount)
			fmt.Printf("memory allocated:   %d bytes\n", stats.MemoryAllocatedBytes)
			fmt.Printf("zones:              %d\n", stats.ZoneCount)
			fmt.Printf("checkpoint chapter: %d\n", stats.CheckpointChapter)
			return nil
		},
	}
}

func newQueryCmd(dir *string, jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "query <hex-name>",
		Short: "Query a single chunk name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := parseName(args[0])
			if err != nil {
				return err
			}

			idx, err := openReadOnly(*dir)
			if err != nil {
				return err
			}
			defer idx.Close()

			loc, err := idx.Query(name)
			if err != nil {
				return err
			}

			if *jsonOut {
				enc := json.NewEncoder(os.Stdout)
				return enc.Encode(map[string]any{"location": loc.String()})
			}
			fmt.Println(loc.String())
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func parseName(hexStr string) (dedupindex.ChunkName, error) {
	var name dedupindex.ChunkName
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return name, fmt.Errorf("invalid hex name: %w", err)
	}
	if len(raw) != len(name) {
		return name, fmt.Errorf("name must be %d bytes, got %d", len(name), len(raw))
	}
	copy(name[:], raw)
	return name, nil
}
