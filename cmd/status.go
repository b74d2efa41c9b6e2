package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kyten/ficdl/internal/config"
	"github.com/kyten/ficdl/internal/ledger"
	"github.com/kyten/ficdl/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a book's download ledger counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if dlArgs.bookID == "" || dlArgs.bookName == "" {
			return fmt.Errorf("--book-id and --name are required")
		}
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		path := cfg.LedgerPath(dlArgs.bookID, dlArgs.bookName)
		led := ledger.Load(path, ledger.Metadata{BookID: dlArgs.bookID, BookName: dlArgs.bookName})
		success, failed := led.Counts()
		output.PrintInfo(fmt.Sprintf("Ledger: %s", path))
		output.PrintSuccess(fmt.Sprintf("%d chapters downloaded", success))
		if failed > 0 {
			output.PrintError(fmt.Sprintf("%d chapters pending retry", failed))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVarP(&dlArgs.bookID, "book-id", "b", "", "Remote book id (required)")
	statusCmd.Flags().StringVarP(&dlArgs.bookName, "name", "n", "", "Book name (required)")
	rootCmd.AddCommand(statusCmd)
}
