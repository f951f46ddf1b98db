package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rawblock/chaintrace-engine/internal/calibrate"
	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/internal/features"
	"github.com/rawblock/chaintrace-engine/internal/scoring"
)

func newCalibrateCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "calibrate <labeled-pairs.json>",
		Short: "Fit per-bucket relation thresholds from labeled pairs",
		Long: `Reads labeled wallet pairs grouped by calibration bucket
(e.g. "bsc:lp_20k_100k") and grid-searches the relation cut points,
penalizing false positives 2.5x over misses. The fitted table is
written back into the config so future runs in those buckets carry
calibrated provenance.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading labeled pairs: %w", err)
			}
			var byBucket map[string][]calibrate.LabeledPair
			if err := json.Unmarshal(data, &byBucket); err != nil {
				return fmt.Errorf("parsing labeled pairs: %w", err)
			}

			scorer, err := scoring.NewScorer(cfg, features.NewExtractor(cfg.Window), log)
			if err != nil {
				return err
			}
			cal := calibrate.New(scorer, cfg.Thresholds, log)
			table, reports, err := cal.Run(byBucket)
			if err != nil {
				return err
			}
			if len(table) == 0 {
				return fmt.Errorf("no bucket had enough labeled pairs to calibrate")
			}

			for _, rep := range reports {
				log.Info().
					Str("bucket", rep.Bucket).
					Int("samples", rep.Samples).
					Float64("suspected", rep.Suspected).
					Float64("strong", rep.Strong).
					Float64("loss", rep.Loss).
					Float64("ari", rep.ARIAtBest).
					Msg("fitted")
			}

			if output == "" {
				out, _ := json.MarshalIndent(table, "", "  ")
				fmt.Println(string(out))
				return nil
			}

			merged := *cfg
			if merged.Calibration == nil {
				merged.Calibration = map[string]config.Thresholds{}
			}
			for bucket, t := range table {
				merged.Calibration[bucket] = t
			}
			if err := merged.WriteFile(output); err != nil {
				return err
			}
			log.Info().Str("path", output).Int("buckets", len(table)).Msg("calibrated config written")
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write a merged config file instead of printing the table")
	return cmd
}
