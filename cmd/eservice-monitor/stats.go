package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/miradorstack/eservice-monitor/internal/models"
	"github.com/miradorstack/eservice-monitor/internal/utils"
)

// statisticsService is the slice of the monitor the stats command needs.
type statisticsService interface {
	GetStatistics(ctx context.Context, req models.StatisticsRequest) (models.Statistics, error)
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate the stored telemetry of one version and print it as JSON",
		RunE:  runStats,
	}
	cmd.Flags().Int64("id", 0, "E-service record id")
	cmd.Flags().Int("polling-frequency", 5, "Polling frequency in minutes")
	cmd.Flags().String("start", "", "Range start (ISO-8601); requires --end")
	cmd.Flags().String("end", "", "Range end (ISO-8601); requires --start")
	cmd.Flags().Bool("indent", false, "Pretty-print the JSON output")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	id, _ := cmd.Flags().GetInt64("id")
	freq, _ := cmd.Flags().GetInt("polling-frequency")
	start, _ := cmd.Flags().GetString("start")
	end, _ := cmd.Flags().GetString("end")
	indent, _ := cmd.Flags().GetBool("indent")

	req, err := statisticsRequest(id, freq, start, end)
	if err != nil {
		return &exitError{code: 2, msg: err.Error()}
	}

	logger := utils.NewLoggerTo(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.JSON)
	a, err := buildApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(context.Background()); err != nil {
			logger.Warn("error releasing resources", slog.Any("error", err))
		}
	}()

	return printStatistics(cmd.Context(), cmd.OutOrStdout(), a.service, req, indent)
}

func statisticsRequest(id int64, freq int, start, end string) (models.StatisticsRequest, error) {
	req := models.StatisticsRequest{EserviceRecordID: id, PollingFrequencyMinutes: freq}
	if start == "" && end == "" {
		return req, nil
	}
	if start == "" || end == "" {
		return models.StatisticsRequest{}, fmt.Errorf("--start and --end must be given together")
	}
	from, err := utils.ParseISO8601(start)
	if err != nil {
		return models.StatisticsRequest{}, fmt.Errorf("--start: %w", err)
	}
	to, err := utils.ParseISO8601(end)
	if err != nil {
		return models.StatisticsRequest{}, fmt.Errorf("--end: %w", err)
	}
	req.Range = &models.TimeRange{Start: from, End: to}
	return req, nil
}

func printStatistics(ctx context.Context, w io.Writer, svc statisticsService, req models.StatisticsRequest, indent bool) error {
	stats, err := svc.GetStatistics(ctx, req)
	if err != nil {
		code := 1
		if k := utils.KindOf(err); k == utils.KindValidation || k == utils.KindNotFound {
			code = 2
		}
		return &exitError{code: code, msg: err.Error()}
	}
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(stats)
}
