package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/clarify/internal/calibration"
	"github.com/ziadkadry99/clarify/internal/progress"
)

var recalibrateCmd = &cobra.Command{
	Use:   "recalibrate",
	Short: "Replay recorded outcomes and commit a new confidence weight set",
	Long: `Replays the rolling window of calibration samples, summarizes how well
predicted confidence matched real outcomes, and commits a new versioned
weight set with a bounded adjustment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		st, err := buildStack(ctx)
		if err != nil {
			return err
		}
		defer st.close(ctx)

		samples, err := st.calib.Samples(ctx, st.cfg.Calibration.WindowSize)
		if err != nil {
			return fmt.Errorf("loading samples: %w", err)
		}
		if len(samples) == 0 {
			fmt.Println("No calibration samples recorded yet; weights unchanged.")
			return nil
		}

		reporter := progress.NewReporter()
		reporter.Start(len(samples), "Replaying samples")

		counts := map[calibration.Outcome]int{}
		for i, smp := range samples {
			counts[smp.ActualOutcome]++
			reporter.Update(i+1, fmt.Sprintf("session %s (%s)", smp.SessionID, smp.ActualOutcome))
		}
		reporter.Finish()

		before := st.calib.CurrentWeights()
		after, err := st.calib.Recalibrate(ctx)
		if err != nil {
			return fmt.Errorf("recalibrating: %w", err)
		}

		fmt.Printf("Replayed %d sample(s): %d approved, %d rejected, %d modified\n",
			len(samples), counts[calibration.OutcomeApproved],
			counts[calibration.OutcomeRejected], counts[calibration.OutcomeModified])
		fmt.Printf("Weight set v%d -> v%d\n", before.Version, after.Version)
		fmt.Printf("  critical:  %.3f -> %.3f\n", before.Critical, after.Critical)
		fmt.Printf("  important: %.3f -> %.3f\n", before.Important, after.Important)
		fmt.Printf("  quality:   %.3f -> %.3f\n", before.Quality, after.Quality)
		fmt.Printf("  pattern:   %.3f\n", after.Pattern)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recalibrateCmd)
}
