package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrapredict/terrapredict/internal/bus"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect or replay the bus event log",
		Long: `Read the JSON lines event log written when bus.event_log is set.

Examples:
  terrapredict events list --since 1h
  terrapredict events list --job 3f2c... --topic prediction.failed
  terrapredict events replay --since 24h -c kafka.yaml`,
	}
	cmd.PersistentFlags().Duration("since", 0, "only events newer than this (0 = all)")
	cmd.PersistentFlags().String("job", "", "only events of this prediction job")
	cmd.PersistentFlags().StringSlice("topic", nil, "only events on these topics")

	cmd.AddCommand(eventsListCmd(), eventsReplayCmd())
	return cmd
}

func eventsListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print logged events as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path, err := eventLogPath(cfg.Bus.EventLog)
			if err != nil {
				return err
			}

			filter := eventFilter(cmd)
			filter.Limit = limit
			events, err := bus.ReadEventLog(path, filter)
			if err != nil {
				return err
			}
			return printJSON(events)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum events to print (0 = all)")
	return cmd
}

func eventsReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Republish logged events to the configured bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path, err := eventLogPath(cfg.Bus.EventLog)
			if err != nil {
				return err
			}

			// Replayed events must not be appended to the log being read.
			busCfg := cfg.Bus
			busCfg.EventLog = ""
			b, err := bus.NewBus(busCfg, log)
			if err != nil {
				return err
			}
			defer b.Close()

			n, err := bus.ReplayEventLog(cmd.Context(), path, b, eventFilter(cmd))
			if err != nil {
				return err
			}
			log.Info("Replay finished", "bus", busCfg.Type, "events", n)
			return nil
		},
	}
}

// eventLogPath checks that the configured log exists without creating it.
func eventLogPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("bus.event_log is not configured")
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("event log %s does not exist", path)
		}
		return "", err
	}
	return path, nil
}

func eventFilter(cmd *cobra.Command) bus.EventFilter {
	var f bus.EventFilter
	if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
		f.Since = time.Now().Add(-since)
	}
	f.JobID, _ = cmd.Flags().GetString("job")
	f.Topics, _ = cmd.Flags().GetStringSlice("topic")
	return f
}
