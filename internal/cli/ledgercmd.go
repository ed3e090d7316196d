package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/soliqtools/checkedit/internal/config"
	"github.com/soliqtools/checkedit/internal/ledger"
)

// NewLedgerCmd создаёт группу команд для работы с леджерами.
func NewLedgerCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect completion ledgers",
	}

	cmd.AddCommand(
		newLedgerCountCmd(cfgFn, outputFn),
		newLedgerExportCmd(cfgFn, outputFn),
	)

	return cmd
}

func newLedgerCountCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count completed items per ledger shard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cfgFn()
			if err != nil {
				return err
			}
			out := outputFn()

			reg := ledger.NewRegistry(cfg.DataDir)
			defer reg.Close()

			type shardCount struct {
				Shard string `json:"shard"`
				Count int    `json:"count"`
			}
			var counts []shardCount
			for _, src := range selectSources(cfg, source) {
				led, err := reg.GetOrOpen(src)
				if err != nil {
					return err
				}
				n, err := led.Count(cmd.Context())
				if err != nil {
					return err
				}
				counts = append(counts, shardCount{Shard: ledger.ShardKey(src), Count: n})
			}

			headers := []string{"SHARD", "COMPLETED"}
			rows := make([][]string, len(counts))
			for i, c := range counts {
				rows[i] = []string{c.Shard, strconv.Itoa(c.Count)}
			}

			out.Print(headers, rows, counts)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Limit to one source (shard name or path)")
	return cmd
}

func newLedgerExportCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	var source string
	var outFile string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a ledger shard as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cfgFn()
			if err != nil {
				return err
			}
			out := outputFn()

			srcs := selectSources(cfg, source)
			if len(srcs) != 1 {
				return fmt.Errorf("export requires exactly one source, use --source")
			}

			reg := ledger.NewRegistry(cfg.DataDir)
			defer reg.Close()

			led, err := reg.GetOrOpen(srcs[0])
			if err != nil {
				return err
			}

			w := os.Stdout
			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("create export file: %w", err)
				}
				defer f.Close()
				w = f
			}

			if err := led.ExportJSON(cmd.Context(), w); err != nil {
				return err
			}
			if outFile != "" {
				out.Success(fmt.Sprintf("ledger %s exported to %s", ledger.ShardKey(srcs[0]), outFile))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Source to export (shard name or path)")
	cmd.Flags().StringVar(&outFile, "out", "", "Output file (default stdout)")
	return cmd
}
