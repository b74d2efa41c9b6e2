package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kyten/ficdl/internal/config"
	"github.com/kyten/ficdl/internal/ledger"
	"github.com/kyten/ficdl/internal/output"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete a book's persisted ledger",
	Long: `Clean removes the resumable ledger file for one book. Use it once a
book is permanently complete; the next download run starts from scratch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if dlArgs.bookID == "" || dlArgs.bookName == "" {
			return fmt.Errorf("--book-id and --name are required")
		}
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		led := ledger.Load(cfg.LedgerPath(dlArgs.bookID, dlArgs.bookName),
			ledger.Metadata{BookID: dlArgs.bookID, BookName: dlArgs.bookName})
		if err := led.Clear(); err != nil {
			return err
		}
		output.PrintSuccess("Ledger cleared")
		return nil
	},
}

func init() {
	cleanCmd.Flags().StringVarP(&dlArgs.bookID, "book-id", "b", "", "Remote book id (required)")
	cleanCmd.Flags().StringVarP(&dlArgs.bookName, "name", "n", "", "Book name (required)")
	rootCmd.AddCommand(cleanCmd)
}
