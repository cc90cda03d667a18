package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/mprepair"
	"pkt.systems/mprepair/internal/hsid"
	"pkt.systems/mprepair/internal/messaging"
	"pkt.systems/mprepair/internal/watch"
	"pkt.systems/pslog"
)

// errPromotionFailed is returned after the report has been printed.
var errPromotionFailed = errors.New("promotion did not converge")

func newSimulateCommand(v *viper.Viper, baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a leader promotion against simulated survivors",
		Long: `simulate loads a scenario describing the surviving partition replicas
and their repair logs, promotes a new initiator over an in-process mailbox
and reports which transactions were committed or rolled back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(v); err != nil {
				return err
			}
			logger := commandLogger(v, baseLogger, "cli.simulate")
			cfg := mprepair.Config{
				Scenario:               v.GetString("scenario"),
				Leader:                 v.GetString("leader"),
				Timeout:                v.GetDuration("timeout"),
				DrainTimeout:           v.GetDuration("drain-timeout"),
				Seed:                   v.GetInt64("seed"),
				Shuffle:                v.GetBool("shuffle"),
				MetricsListen:          v.GetString("metrics-listen"),
				PprofListen:            v.GetString("pprof-listen"),
				EnableProfilingMetrics: v.GetBool("enable-profiling-metrics"),
				OTLPEndpoint:           v.GetString("otlp-endpoint"),
			}
			if len(args) == 1 && cfg.Scenario == "" {
				cfg.Scenario = args[0]
			}
			if cfg.Scenario == "" {
				return fmt.Errorf("--scenario is required")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()
			telemetry, err := mprepair.StartTelemetry(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := telemetry.Shutdown(shutdownCtx); err != nil {
					logger.Warn("telemetry.shutdown.error", "error", err)
				}
			}()
			if v.GetBool("watch") {
				return watchSimulate(ctx, cmd.OutOrStdout(), cfg, v.GetBool("json"), logger)
			}
			return runSimulate(ctx, cmd.OutOrStdout(), cfg, v.GetBool("json"), logger)
		},
		Args: cobra.MaximumNArgs(1),
	}

	flags := cmd.Flags()
	flags.StringP("scenario", "s", "", "path to the scenario YAML file")
	flags.String("leader", "", "override the scenario's leader address (host:site)")
	flags.Duration("timeout", mprepair.DefaultTimeout, "maximum time to wait for the promotion result")
	flags.Duration("drain-timeout", mprepair.DefaultDrainTimeout, "maximum time to wait for in-flight repairs after the result")
	flags.Int64("seed", 1, "seed for shuffled survivor responses (survivor i uses seed+i)")
	flags.Bool("shuffle", false, "shuffle every survivor's responses")
	flags.Bool("json", false, "print the report as JSON")
	flags.Bool("watch", false, "re-run the simulation whenever the scenario file changes")
	bindFlags(v, flags, "scenario", "leader", "timeout", "drain-timeout", "seed", "shuffle", "json", "watch")
	return cmd
}

func runSimulate(ctx context.Context, out io.Writer, cfg mprepair.Config, asJSON bool, logger pslog.Logger) error {
	report, err := mprepair.RunSimulation(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else if err := writeReport(out, report); err != nil {
		return err
	}
	if !report.OK() {
		return errPromotionFailed
	}
	return nil
}

// watchSimulate runs once, then again after every change to the scenario
// file, until ctx ends. Failed runs are logged and do not stop the loop.
func watchSimulate(ctx context.Context, out io.Writer, cfg mprepair.Config, asJSON bool, logger pslog.Logger) error {
	sub, err := watch.File(cfg.Scenario, logger)
	if err != nil {
		return err
	}
	defer sub.Close()
	for {
		if err := runSimulate(ctx, out, cfg, asJSON, logger); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("simulate.watch.run_failed", "scenario", cfg.Scenario, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-sub.Events():
			if !ok {
				return nil
			}
			logger.Info("simulate.watch.changed", "scenario", cfg.Scenario)
		}
	}
}

func writeReport(out io.Writer, r *mprepair.Report) error {
	var b strings.Builder
	if r.Name != "" {
		fmt.Fprintf(&b, "scenario:   %s\n", r.Name)
	}
	fmt.Fprintf(&b, "leader:     %s\n", r.Leader)
	fmt.Fprintf(&b, "survivors:  %s\n", hsid.Join(r.Survivors))
	fmt.Fprintf(&b, "request:    %s\n", humanize.Comma(int64(r.RequestID)))
	fmt.Fprintf(&b, "state:      %s\n", r.State)
	fmt.Fprintf(&b, "result:     %s\n", r.Result)
	if r.Error != "" {
		fmt.Fprintf(&b, "error:      %s\n", r.Error)
	}
	fmt.Fprintf(&b, "max txn:    %d (%s)\n", uint64(r.MaxTxnID), r.MaxTxnID)
	fmt.Fprintf(&b, "elapsed:    %s\n", humanize.SIWithDigits(r.Elapsed.Seconds(), 2, "s"))

	if len(r.Repairs) > 0 {
		b.WriteString("repairs:\n")
		for _, rep := range r.Repairs {
			fault := ""
			if rep.RollbackForFault {
				fault = " (fault)"
			}
			fmt.Fprintf(&b, "  %d (%s) original %s: %s%s to %d\n",
				uint64(rep.TxnID), rep.TxnID, rep.OriginalTxnID, rep.Outcome, fault, rep.Destinations)
		}
	}

	if len(r.Messages) > 0 {
		kinds := make([]string, 0, len(r.Messages))
		for kind := range r.Messages {
			kinds = append(kinds, string(kind))
		}
		sort.Strings(kinds)
		parts := make([]string, 0, len(kinds))
		var total int64
		for _, kind := range kinds {
			n := r.Messages[messaging.Kind(kind)]
			total += int64(n)
			parts = append(parts, fmt.Sprintf("%s=%s", kind, humanize.Comma(int64(n))))
		}
		fmt.Fprintf(&b, "messages:   %s (%s)\n", humanize.Comma(total), strings.Join(parts, " "))
	}

	for _, rep := range r.Replicas {
		fmt.Fprintf(&b, "replica %s: requests=%d duplicates=%d conflicts=%d\n",
			rep.HSID, rep.Stats.Requests, rep.Stats.Duplicates, rep.Stats.Conflicts)
	}
	if r.Converged {
		b.WriteString("converged:  yes\n")
	} else {
		fmt.Fprintf(&b, "converged:  no (%d divergent)\n", len(r.Divergent))
	}
	for _, failure := range r.Expectations {
		fmt.Fprintf(&b, "expectation failed: %s\n", failure)
	}
	_, err := io.WriteString(out, b.String())
	return err
}
