// Package main provides a command-line risk report against a running risk
// service. Reports print as TSV, a table or JSON and can be archived to S3.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"ledger-risk/internal/client"
	"ledger-risk/internal/config"
	"ledger-risk/internal/logging"
	"ledger-risk/internal/report"
	"ledger-risk/internal/storage/s3"
	"ledger-risk/internal/tui/styles"
)

var version = "dev"

type options struct {
	server  string
	apiKey  string
	format  string
	out     string
	archive bool
	verify  bool
	timeout time.Duration

	timeRange string
	start     string
	end       string
	minA      int
	minB      int
	maxC      string
}

func main() {
	var (
		opts        options
		showVersion bool
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.StringVar(&opts.server, "server", "http://localhost:8080", "Risk service URL")
	flag.StringVar(&opts.server, "s", "http://localhost:8080", "Risk service URL (shorthand)")
	flag.StringVar(&opts.apiKey, "api-key", os.Getenv("RISK_API_KEY"), "API key sent as X-API-Key")
	flag.StringVar(&opts.timeRange, "range", "24h", "Lookback range: "+strings.Join(report.TimeRangeTokens(), ", "))
	flag.StringVar(&opts.start, "start", "", "Window start (RFC3339 or \"2006-01-02 15:04:05\" UTC), overrides -range")
	flag.StringVar(&opts.end, "end", "", "Window end, defaults to now when -start is set")
	flag.IntVar(&opts.minA, "min-a", -1, "Minimum metric A (default 1)")
	flag.IntVar(&opts.minB, "min-b", -1, "Minimum metric B (default 1)")
	flag.StringVar(&opts.maxC, "max-c", "", "Maximum metric C (default 0)")
	flag.StringVar(&opts.format, "format", "table", "Output format: tsv, table or json")
	flag.StringVar(&opts.out, "out", "", "Write output to file instead of stdout")
	flag.BoolVar(&opts.archive, "archive", false, "Archive the TSV report to S3 using the service config")
	flag.BoolVar(&opts.verify, "verify", false, "Download the archived report and check its checksum")
	flag.DurationVar(&opts.timeout, "timeout", 60*time.Second, "Request timeout")
	flag.Parse()

	if showVersion {
		fmt.Printf("risk-report %s\n", version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 400 {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	req, err := buildRequest(opts)
	if err != nil {
		return err
	}

	clientOpts := []client.Option{client.WithTimeout(opts.timeout)}
	if opts.apiKey != "" {
		clientOpts = append(clientOpts, client.WithAPIKey(opts.apiKey))
	}
	c := client.NewClient(opts.server, clientOpts...)

	var w io.Writer = os.Stdout
	if opts.out != "" {
		f, err := os.Create(opts.out)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		w = f
	}

	var export *client.Export
	switch opts.format {
	case "tsv":
		if export, err = c.Export(ctx, req); err != nil {
			return err
		}
		if _, err := w.Write(export.TSV); err != nil {
			return err
		}
	case "table", "json":
		resp, err := c.Analyze(ctx, req)
		if err != nil {
			return err
		}
		if err := render(w, opts.format, resp); err != nil {
			return err
		}
		if opts.archive {
			if export, err = c.Export(ctx, req); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown format %q", opts.format)
	}

	if !opts.archive {
		return nil
	}
	return archive(ctx, req.TimeRange, export, opts.verify)
}

func buildRequest(opts options) (report.Request, error) {
	req := report.Request{TimeRange: opts.timeRange}
	if _, err := report.ParseTimeRange(opts.timeRange); err != nil {
		return req, err
	}
	if opts.minA >= 0 {
		req.MinMetricA = &opts.minA
	}
	if opts.minB >= 0 {
		req.MinMetricB = &opts.minB
	}
	if opts.maxC != "" {
		d, err := decimal.NewFromString(opts.maxC)
		if err != nil {
			return req, fmt.Errorf("invalid -max-c %q", opts.maxC)
		}
		req.MaxMetricC = &d
	}
	if opts.start != "" {
		t, err := parseTime(opts.start)
		if err != nil {
			return req, fmt.Errorf("invalid -start: %w", err)
		}
		req.Start = &t
	}
	if opts.end != "" {
		t, err := parseTime(opts.end)
		if err != nil {
			return req, fmt.Errorf("invalid -end: %w", err)
		}
		req.End = &t
	}
	return req, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(report.TimeLayout, s, time.UTC)
}

func render(w io.Writer, format string, resp *client.RiskResponse) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	fmt.Fprintln(w, styles.Title.Render(fmt.Sprintf("Risk report (%s) as of %s",
		resp.TimeRange, resp.AsOf.UTC().Format(report.TimeLayout))))
	if len(resp.Transactions) == 0 {
		fmt.Fprintln(w, styles.Muted.Render("No transactions match the criteria."))
		return nil
	}
	fmt.Fprintln(w, styles.RiskTable(resp.Transactions))
	summary := fmt.Sprintf("%d flagged in %dms", resp.TotalCount, resp.QueryTimeMs)
	if resp.Truncated {
		summary += fmt.Sprintf(", showing first %d", len(resp.Transactions))
	}
	fmt.Fprintln(w, styles.Subtitle.Render(summary))
	return nil
}

func archive(ctx context.Context, timeRange string, export *client.Export, verify bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Archive.Enabled {
		return errors.New("archive requested but archive.enabled is false (set RISK_ARCHIVE_BUCKET)")
	}
	logger := logging.Setup(cfg.Logging)

	if export == nil {
		return errors.New("no export to archive")
	}
	_, rows, err := report.ReadTSV(bytes.NewReader(export.TSV))
	if err != nil {
		return fmt.Errorf("export is not valid TSV: %w", err)
	}
	if len(rows) == 0 {
		logger.Info("nothing to archive", "range", timeRange)
		return nil
	}

	s3Client, err := s3.NewClient(ctx, cfg.Archive.S3, logger)
	if err != nil {
		return err
	}
	if st := s3Client.HealthCheck(ctx); !st.Healthy {
		return fmt.Errorf("archive bucket %s unreachable: %s", cfg.Archive.S3.Bucket, st.Error)
	}
	archiver := s3.NewArchiver(s3Client, &s3.ArchiverConfig{
		Compression:  s3.CompressionType(cfg.Archive.Compression),
		PathTemplate: s3.DefaultArchiverConfig().PathTemplate,
	}, logger)

	manifest, err := archiver.Archive(ctx, s3.ReportExport{
		TimeRange: timeRange,
		AsOf:      time.Now().UTC(),
		Rows:      len(rows),
		TSV:       export.TSV,
	})
	if err != nil {
		return err
	}
	m := archiver.GetMetrics()
	logger.Info("report archived",
		slog.String("archive_id", manifest.ID),
		slog.String("location", manifest.Location),
		slog.Int("rows", manifest.Rows),
		slog.Int64("bytes", m.BytesArchived),
	)

	if !verify {
		return nil
	}
	if _, err := archiver.Fetch(ctx, manifest); err != nil {
		return fmt.Errorf("archive verification failed: %w", err)
	}
	logger.Info("archive verified", "sha256", manifest.SHA256)
	return nil
}
