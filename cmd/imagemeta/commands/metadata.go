package commands

import (
	"context"
	"fmt"

	"github.com/fly-io/imagemeta/pkg/db"
	"github.com/fly-io/imagemeta/pkg/errors"
	"github.com/spf13/cobra"
)

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "List stored image metadata",
	RunE:  runMetadata,
}

func init() {
	rootCmd.AddCommand(metadataCmd)
}

func runMetadata(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	store, err := openMetadataStore(ctx, cfg, repo)
	if err != nil {
		return err
	}
	if store != metadataStore(repo) {
		defer store.Close()
	}

	rows, err := store.ListMetadata(ctx)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(rows) == 0 {
		fmt.Println("No metadata found")
		return nil
	}

	fmt.Printf("%-40s %-8s %-7s %-7s %-10s %-20s\n", "FILENAME", "FORMAT", "WIDTH", "HEIGHT", "SIZE KB", "UPDATED")
	fmt.Println("------------------------------------------------------------------------------------------------")

	for _, r := range rows {
		fmt.Printf("%-40s %-8s %-7d %-7d %-10.2f %-20s\n",
			r.Filename, r.Format, r.Width, r.Height, r.SizeKB, r.UpdatedAt)
	}

	return nil
}
