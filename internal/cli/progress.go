package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/soliqtools/checkedit/internal/config"
	"github.com/soliqtools/checkedit/internal/ingest"
	"github.com/soliqtools/checkedit/internal/ledger"
)

// progressRow — сводка по одному источнику.
type progressRow struct {
	Source    string `json:"source"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Remaining int    `json:"remaining"`
	Percent   string `json:"percent"`
}

// NewProgressCmd создаёт команду сводки прогресса по источникам.
func NewProgressCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "progress",
		Short: "Show per-source completion progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cfgFn()
			if err != nil {
				return err
			}
			out := outputFn()

			reg := ledger.NewRegistry(cfg.DataDir)
			defer reg.Close()

			var summary []progressRow
			for _, src := range cfg.Sources {
				total, err := ingest.Count(src)
				if err != nil {
					return err
				}
				led, err := reg.GetOrOpen(src)
				if err != nil {
					return err
				}
				done, err := led.Count(cmd.Context())
				if err != nil {
					return err
				}

				pct := "0.0%"
				if total > 0 {
					pct = fmt.Sprintf("%.1f%%", 100*float64(done)/float64(total))
				}
				summary = append(summary, progressRow{
					Source:    ledger.ShardKey(src),
					Total:     total,
					Completed: done,
					Remaining: total - done,
					Percent:   pct,
				})
			}

			headers := []string{"SOURCE", "TOTAL", "COMPLETED", "REMAINING", "PERCENT"}
			rows := make([][]string, len(summary))
			for i, r := range summary {
				rows[i] = []string{
					r.Source,
					strconv.Itoa(r.Total),
					strconv.Itoa(r.Completed),
					strconv.Itoa(r.Remaining),
					r.Percent,
				}
			}

			out.Print(headers, rows, summary)
			return nil
		},
	}
}
