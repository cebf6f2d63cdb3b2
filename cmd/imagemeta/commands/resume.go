package commands

import (
	"context"
	"fmt"

	"github.com/fly-io/imagemeta/pkg/errors"
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Run every unfinished workflow to completion",
	RunE:  runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	running, err := a.store.ListRunning(ctx)
	if err != nil {
		return errors.Wrap(err, "list running failed")
	}
	if len(running) == 0 {
		fmt.Println("No unfinished instances")
		return nil
	}

	if _, err := a.engine.Resume(ctx); err != nil {
		return errors.Wrap(err, "resume failed")
	}
	a.engine.Start()
	defer shutdownEngine(a.engine)

	waitCtx, cancel := context.WithTimeout(ctx, cfg.WaitTimeout)
	defer cancel()

	failed := 0
	for _, inst := range running {
		done, err := a.engine.Wait(waitCtx, inst.ID)
		if err != nil {
			return errors.Wrap(err, "wait failed")
		}
		if done.Failure != nil {
			failed++
		}
	}

	fmt.Printf("Resumed %d instances, %d failed\n", len(running), failed)
	return nil
}
