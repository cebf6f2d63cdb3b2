package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fly-io/imagemeta/pkg/errors"
	"github.com/fly-io/imagemeta/pkg/gateway"
	"github.com/fly-io/imagemeta/pkg/orchestration"
	"github.com/spf13/cobra"
)

var (
	triggerSize   int64
	triggerNoWait bool
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <resource-identifier>",
	Short: "Send one upload event and wait for its workflow",
	Long: `Sends an upload event for <container>/<name> (or just <name>) through
the trigger gateway, then runs the resulting workflow to completion.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrigger,
}

func init() {
	rootCmd.AddCommand(triggerCmd)
	triggerCmd.Flags().Int64Var(&triggerSize, "size", 0, "Reported blob size in bytes")
	triggerCmd.Flags().BoolVar(&triggerNoWait, "no-wait", false, "Only start the instance")
}

func runTrigger(cmd *cobra.Command, args []string) error {
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

	name := gateway.ShortName(args[0])
	if gateway.IsSupported(name) {
		// A missing blob still starts the workflow, which fails at download.
		if ok, err := a.blobs.Exists(ctx, name); err == nil && !ok {
			slog.Warn("trigger_blob_missing", "name", name, "container", cfg.Container)
		}
	}

	id, started, err := a.gateway.OnEvent(ctx, gateway.Event{ResourceIdentifier: args[0], SizeBytes: triggerSize})
	if err != nil {
		return errors.Wrap(err, "trigger failed")
	}
	if !started {
		fmt.Printf("Ignored %s: not a supported image\n", args[0])
		return nil
	}
	fmt.Printf("Started instance %s\n", id)
	if triggerNoWait {
		return nil
	}

	a.engine.Start()
	defer shutdownEngine(a.engine)

	waitCtx, cancel := context.WithTimeout(ctx, cfg.WaitTimeout)
	defer cancel()

	inst, err := a.engine.Wait(waitCtx, id)
	if err != nil {
		return errors.Wrap(err, "wait failed")
	}

	slog.Info("trigger_complete", "instance_id", id, "status", inst.Status)
	printInstance(inst)
	if inst.Failure != nil {
		return fmt.Errorf("instance %s failed: %s", id, inst.Failure.Message)
	}
	return nil
}

// shutdownEngine gives in-flight steps a grace period before cancelling them
func shutdownEngine(e *orchestration.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.Shutdown(ctx)
}
