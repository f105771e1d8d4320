// Command tablet-fuzz drives the tablet engine through generated operation
// sequences outside of go test, the way the teacher ships its own
// standalone correctness-fuzzing binaries alongside the library itself.
// It has three subcommands: run generates and executes a fresh sequence,
// replay reruns one seed deterministically, and restart-check additionally
// restarts the tablet partway through the sequence to exercise recovery.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/kudu-go/tablet"
	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/fuzzmodel"
	"github.com/kudu-go/tablet/vfs"
	"github.com/spf13/cobra"
)

var logger base.Logger = base.DefaultLogger{}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tablet-fuzz",
		Short: "Generate and replay tablet operation sequences",
	}
	root.AddCommand(newRunCmd(), newReplayCmd(), newRestartCheckCmd())
	return root
}

// seedFlags are the generator parameters every subcommand shares.
type seedFlags struct {
	seed  int64
	steps int
}

func addSeedFlags(cmd *cobra.Command, f *seedFlags) {
	cmd.Flags().Int64Var(&f.seed, "seed", 1, "generator seed")
	cmd.Flags().IntVar(&f.steps, "steps", 500, "number of generated steps to run")
}

func newRunCmd() *cobra.Command {
	f := &seedFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate a fresh random sequence and verify it against the shadow model",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSequence(f.seed, f.steps, false)
		},
	}
	addSeedFlags(cmd, f)
	return cmd
}

func newReplayCmd() *cobra.Command {
	f := &seedFlags{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Regenerate and rerun the exact sequence a given seed produces",
		Long: "replay exists for reproducing a failure reported by run: the generator " +
			"is deterministic in the seed alone, so the same --seed and --steps always " +
			"produce the same operation sequence.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSequence(f.seed, f.steps, false)
		},
	}
	addSeedFlags(cmd, f)
	return cmd
}

func newRestartCheckCmd() *cobra.Command {
	f := &seedFlags{}
	cmd := &cobra.Command{
		Use:   "restart-check",
		Short: "Run a sequence with a forced restart at its midpoint",
		Long: "restart-check additionally restarts the tablet halfway through the " +
			"sequence, exercising the WAL-replay recovery path the other two " +
			"subcommands may never happen to generate on their own.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSequence(f.seed, f.steps, true)
		},
	}
	addSeedFlags(cmd, f)
	return cmd
}

func runSequence(seed int64, steps int, forceMidRestart bool) error {
	opts := tablet.Options{Logger: logger}
	r, err := fuzzmodel.NewRunner(seed, vfs.NewMem(), opts)
	if err != nil {
		return err
	}
	defer r.Close()

	restarted := false
	flushes := 0
	for i := 0; i < steps; i++ {
		if forceMidRestart && !restarted && i >= steps/2 {
			logger.Infof("tablet-fuzz: forcing restart at step %d", i)
			if err := r.Tablet().Restart(); err != nil {
				return errors.Wrapf(err, "step %d: forced restart", i)
			}
			restarted = true
			if err := r.VerifyLatest(); err != nil {
				return errors.Wrapf(err, "step %d: post-restart verify", i)
			}
		}
		op, err := r.Step()
		if err != nil {
			return errors.Wrapf(err, "step %d (seed %d): op %s", i, seed, op.Kind)
		}
		if op.Kind == fuzzmodel.OpFlushOps {
			flushes++
			if err := r.VerifyLatest(); err != nil {
				return errors.Wrapf(err, "step %d (seed %d)", i, seed)
			}
		}
	}
	if err := r.VerifyLatest(); err != nil {
		return errors.Wrap(err, "final verify")
	}
	if err := r.VerifySnapshots(); err != nil {
		return errors.Wrap(err, "final snapshot verify")
	}
	n, err := r.Tablet().CountLiveRows(context.Background(), base.MaxTimestamp)
	if err != nil {
		return err
	}
	logger.Infof("tablet-fuzz: seed=%d steps=%d flushes=%d live_rows=%d restarted=%v: OK",
		seed, steps, flushes, n, restarted)
	return nil
}
