package cli

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/soliqtools/checkedit/internal/config"
	"github.com/soliqtools/checkedit/internal/ledger"
	"github.com/soliqtools/checkedit/internal/pipeline"
)

// NewFailedCmd создаёт группу команд для работы с журналом отказов.
func NewFailedCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspect and requeue permanently failed items",
	}

	cmd.AddCommand(
		newFailedListCmd(cfgFn, outputFn),
		newFailedRequeueCmd(cfgFn, outputFn),
	)

	return cmd
}

func newFailedListCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List failed items from the failure journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cfgFn()
			if err != nil {
				return err
			}
			out := outputFn()

			var records []pipeline.FailureRecord
			for _, src := range selectSources(cfg, source) {
				recs, err := pipeline.ReadFailures(pipeline.JournalPath(cfg.DataDir, src))
				if err != nil {
					return err
				}
				records = append(records, recs...)
			}

			headers := []string{"ITEM_ID", "KIND", "CODE", "DETAIL", "FAILED_AT"}
			rows := make([][]string, len(records))
			for i, r := range records {
				rows[i] = []string{
					r.Item.ItemID,
					string(r.Outcome.Kind),
					r.Outcome.Code,
					r.Outcome.Detail,
					r.FailedAt.Format(time.RFC3339),
				}
			}

			out.Print(headers, rows, records)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Limit to one source (shard name or path)")
	return cmd
}

func newFailedRequeueCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	var source string
	var outFile string

	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Write an items file with failed item ids for a targeted re-run",
		Long: "Collects item ids from the failure journal, drops those already " +
			"completed, and writes them one per line. Pass the file to the worker " +
			"via --items-file to retry only the failed items.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cfgFn()
			if err != nil {
				return err
			}
			out := outputFn()

			reg := ledger.NewRegistry(cfg.DataDir)
			defer reg.Close()

			ids := make(map[string]struct{})
			for _, src := range selectSources(cfg, source) {
				recs, err := pipeline.ReadFailures(pipeline.JournalPath(cfg.DataDir, src))
				if err != nil {
					return err
				}
				led, err := reg.GetOrOpen(src)
				if err != nil {
					return err
				}
				for _, r := range recs {
					done, err := led.Contains(cmd.Context(), r.Item.ItemID)
					if err != nil {
						return err
					}
					// Отказ мог закрыться более поздним прогоном.
					if done {
						continue
					}
					ids[r.Item.ItemID] = struct{}{}
				}
			}

			sorted := make([]string, 0, len(ids))
			for id := range ids {
				sorted = append(sorted, id)
			}
			sort.Strings(sorted)

			f, err := os.Create(outFile)
			if err != nil {
				return fmt.Errorf("create items file: %w", err)
			}
			defer f.Close()
			for _, id := range sorted {
				fmt.Fprintln(f, id)
			}

			out.Success(fmt.Sprintf("%d failed items written to %s", len(sorted), outFile))
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Limit to one source (shard name or path)")
	cmd.Flags().StringVar(&outFile, "out", "retry_items.txt", "Output items file")
	return cmd
}

// selectSources возвращает источники конфигурации, опционально
// отфильтрованные по имени шарда или пути.
func selectSources(cfg *config.Config, source string) []string {
	if source == "" {
		return cfg.Sources
	}
	for _, src := range cfg.Sources {
		if src == source || ledger.ShardKey(src) == source {
			return []string{src}
		}
	}
	return nil
}
