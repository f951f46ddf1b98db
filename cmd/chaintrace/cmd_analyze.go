package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/internal/features"
	"github.com/rawblock/chaintrace-engine/internal/gate"
	"github.com/rawblock/chaintrace-engine/internal/run"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

// analysisInput is the offline case file format: run parameters plus
// the normalized observations to ingest.
type analysisInput struct {
	Chain        string               `json:"chain"`
	Asset        string               `json:"asset"`
	Announce     time.Time            `json:"announce"`
	LPUSD        float64              `json:"lpUsd"`
	Mode         string               `json:"mode"`
	Observations []models.Observation `json:"observations"`
	Headlines    []gate.Headline      `json:"headlines,omitempty"`
}

type analysisReport struct {
	RunID          string                       `json:"runId"`
	Params         run.Params                   `json:"params"`
	Ingested       int                          `json:"ingested"`
	Rejected       int                          `json:"rejected"`
	Clusters       []models.Cluster             `json:"clusters"`
	Holders        []features.HolderFinding     `json:"holders,omitempty"`
	Claims         []models.Claim               `json:"claims"`
	Contradictions []models.ContradictionRecord `json:"contradictions"`
	Timeline       []models.TimelineEvent       `json:"timeline"`
	Completeness   gate.Result                  `json:"completeness"`
}

func newAnalyzeCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "analyze <case.json>",
		Short: "Run a full offline analysis from a case file",
		Long: `Ingests the observations in the case file, scores clusters,
resolves claims, and prints the full report as JSON. This is the
batch path; serve exposes the same pipeline incrementally.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading case file: %w", err)
			}
			var input analysisInput
			if err := json.Unmarshal(data, &input); err != nil {
				return fmt.Errorf("parsing case file: %w", err)
			}

			runs, err := run.NewManager(cfg, log)
			if err != nil {
				return err
			}
			inv, err := runs.Start(run.Params{
				Chain:    input.Chain,
				Asset:    input.Asset,
				Announce: input.Announce,
				LPUSD:    input.LPUSD,
				Mode:     gate.Mode(input.Mode),
			})
			if err != nil {
				return err
			}

			rejected := 0
			for _, obs := range input.Observations {
				if _, err := inv.Ingest(obs); err != nil {
					rejected++
					log.Warn().Err(err).Str("source", obs.SourceURL).Msg("observation rejected")
				}
			}
			for _, h := range input.Headlines {
				inv.AddHeadline(h)
			}

			clusters, err := inv.Recompute(cmd.Context())
			if err != nil {
				return err
			}

			report := analysisReport{
				RunID:          inv.ID,
				Params:         inv.Params,
				Ingested:       inv.Ledger().Size(),
				Rejected:       rejected,
				Clusters:       clusters,
				Holders:        inv.HolderFindings(),
				Claims:         inv.ClaimMatrix(),
				Contradictions: inv.ContradictionLog(),
				Timeline:       inv.Timeline(),
				Completeness:   inv.CheckCompleteness(),
			}

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			if output == "" {
				fmt.Println(string(out))
				return nil
			}
			if err := os.WriteFile(output, out, 0o644); err != nil {
				return err
			}
			log.Info().Str("path", output).Int("clusters", len(clusters)).Msg("report written")
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the report to a file instead of stdout")
	return cmd
}
