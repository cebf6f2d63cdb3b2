package commands

import (
	"context"
	"fmt"

	"github.com/fly-io/imagemeta/pkg/errors"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all workflow instances and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	store, err := openInstanceStore()
	if err != nil {
		return err
	}
	defer store.Close()

	instances, err := store.List(context.Background())
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(instances) == 0 {
		fmt.Println("No instances found")
		return nil
	}

	fmt.Printf("%-36s %-14s %-10s %-4s %-30s\n", "ID", "WORKFLOW", "STATUS", "STEP", "INPUT")
	fmt.Println("------------------------------------------------------------------------------------------------")

	for _, inst := range instances {
		fmt.Printf("%-36s %-14s %-10s %-4d %-30s\n",
			inst.ID, inst.Workflow, inst.Status, inst.CurrentStep, inst.Input)
	}

	return nil
}
