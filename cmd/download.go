package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kyten/ficdl/internal/config"
	"github.com/kyten/ficdl/internal/endpoint"
	"github.com/kyten/ficdl/internal/engine"
	"github.com/kyten/ficdl/internal/fetch"
	"github.com/kyten/ficdl/internal/ledger"
	"github.com/kyten/ficdl/internal/output"
)

type downloadArgs struct {
	manifestPath string
	bookID       string
	bookName     string
	author       string
	tags         []string
	description  string
	endpoints    []string
	workers      int
	batch        bool
}

var dlArgs downloadArgs

var downloadCmd = &cobra.Command{
	Use:   "download [MANIFEST_FILE]",
	Short: "Download every chapter listed in a manifest file",
	Long: `Download reads an already-parsed chapter manifest (a JSON list of
{id, title, index} objects), skips chapters the book's ledger already marks
successful, and fetches the rest through the configured endpoint pool.
Interrupting with Ctrl-C stops new attempts and persists progress.`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	downloadCmd.Flags().StringVarP(&dlArgs.bookID, "book-id", "b", "", "Remote book id (required)")
	downloadCmd.Flags().StringVarP(&dlArgs.bookName, "name", "n", "", "Book name (required)")
	downloadCmd.Flags().StringVar(&dlArgs.author, "author", "", "Book author")
	downloadCmd.Flags().StringArrayVar(&dlArgs.tags, "tag", nil, "Book tag; can be specified multiple times")
	downloadCmd.Flags().StringVar(&dlArgs.description, "description", "", "Book description")
	downloadCmd.Flags().StringArrayVarP(&dlArgs.endpoints, "endpoint", "e", nil, "Chapter API endpoint; overrides config when given")
	downloadCmd.Flags().IntVarP(&dlArgs.workers, "workers", "w", 0, "Worker count; overrides config when positive")
	downloadCmd.Flags().BoolVar(&dlArgs.batch, "batch", false, "Use the multi-chapter batch API")
	rootCmd.AddCommand(downloadCmd)
}

func runDownload(cmd *cobra.Command, args []string) error {
	dlArgs.manifestPath = args[0]
	if dlArgs.bookID == "" || dlArgs.bookName == "" {
		return fmt.Errorf("--book-id and --name are required")
	}

	cfg, err := loadRunConfig()
	if err != nil {
		return err
	}

	manifest, err := readManifest(dlArgs.manifestPath)
	if err != nil {
		return err
	}

	meta := ledger.Metadata{
		BookID:      dlArgs.bookID,
		BookName:    dlArgs.bookName,
		Author:      dlArgs.author,
		Tags:        dlArgs.tags,
		Description: dlArgs.description,
	}
	led := ledger.Load(cfg.LedgerPath(dlArgs.bookID, dlArgs.bookName), meta)
	pool := endpoint.NewPool(cfg.Endpoints)
	eng := engine.New(cfg, pool, fetch.NewClient(cfg), led)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	output.PrintInfo(fmt.Sprintf("Downloading '%s' (%d chapters in manifest)", dlArgs.bookName, len(manifest)))
	summary, err := eng.Run(ctx, manifest, func(completed, total int) {
		fmt.Print(output.ProgressLine(completed, total))
	})
	output.PrintRunSummary(summary.Success, summary.Failed, summary.Canceled)
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d chapters failed", summary.Failed)
	}
	return nil
}

func loadRunConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if len(dlArgs.endpoints) > 0 {
		cfg.Endpoints = dlArgs.endpoints
	}
	if dlArgs.workers > 0 {
		cfg.MaxWorkers = dlArgs.workers
	}
	if dlArgs.batch {
		cfg.UseBatchAPI = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readManifest(path string) ([]ledger.Chapter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest file: %w", err)
	}
	var manifest []ledger.Chapter
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("error parsing manifest file: %w", err)
	}
	sort.SliceStable(manifest, func(i, j int) bool {
		return manifest[i].Index < manifest[j].Index
	})
	return manifest, nil
}
