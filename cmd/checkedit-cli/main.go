// Checkedit CLI — инструмент командной строки для контроля
// прогона: прогресс по источникам, журнал отказов, леджеры.
//
// Использование:
//
//	checkedit [--config FILE] [--json] <command> [flags]
//
// Команды:
//
//	progress  Сводка прогресса по источникам
//	failed    Журнал отказов: просмотр и точечный перезапуск
//	ledger    Леджеры: счётчики и экспорт
//	verify    Сверка источников, леджеров и журналов отказов
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soliqtools/checkedit/internal/cli"
	"github.com/soliqtools/checkedit/internal/config"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var configPath string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "checkedit",
		Short:         "Checkedit CLI — bulk check edit submission control",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to YAML config")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	cfgFn := func() (*config.Config, error) { return config.Load(configPath) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewProgressCmd(cfgFn, outputFn),
		cli.NewFailedCmd(cfgFn, outputFn),
		cli.NewLedgerCmd(cfgFn, outputFn),
		cli.NewVerifyCmd(cfgFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
