package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fly-io/imagemeta/pkg/orchestration"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <instance-id>",
	Short: "Show one workflow instance and its step log",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <instance-id>",
	Short: "Fail an unfinished workflow instance as cancelled",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	store, err := openInstanceStore()
	if err != nil {
		return err
	}
	defer store.Close()

	inst, err := store.Get(context.Background(), args[0])
	if err != nil {
		return err
	}
	printInstance(inst)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	store, err := openInstanceStore()
	if err != nil {
		return err
	}
	defer store.Close()

	engine := orchestration.NewEngine(store, orchestration.NewRegistry())
	if err := engine.Cancel(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Cancelled %s\n", args[0])
	return nil
}

func printInstance(inst *orchestration.Instance) {
	fmt.Printf("ID:        %s\n", inst.ID)
	fmt.Printf("Workflow:  %s\n", inst.Workflow)
	fmt.Printf("Status:    %s\n", inst.Status)
	fmt.Printf("Step:      %d\n", inst.CurrentStep)
	fmt.Printf("Input:     %s\n", inst.Input)
	fmt.Printf("Created:   %s\n", inst.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:   %s\n", inst.UpdatedAt.Format(time.RFC3339))
	for i, r := range inst.StepResults {
		fmt.Printf("Result %d:  %s\n", i, r)
	}
	if len(inst.Output) > 0 {
		fmt.Printf("Output:    %s\n", inst.Output)
	}
	if inst.Failure != nil {
		fmt.Printf("Failure:   [%s] %s\n", inst.Failure.Kind, inst.Failure.Message)
	}
}
