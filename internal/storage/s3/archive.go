package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// CompressionType defines compression algorithms.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
)

// ArchiverConfig configures the report archiver.
type ArchiverConfig struct {
	Compression CompressionType `json:"compression" yaml:"compression"`

	// PathTemplate for archive keys (supports {range}, {date}, {id}).
	PathTemplate string `json:"path_template" yaml:"path_template"`
}

// DefaultArchiverConfig returns default archiver configuration.
func DefaultArchiverConfig() *ArchiverConfig {
	return &ArchiverConfig{
		Compression:  CompressionGzip,
		PathTemplate: "{range}/{date}/{id}",
	}
}

// ReportExport is one TSV risk report to archive.
type ReportExport struct {
	TimeRange string
	AsOf      time.Time
	Rows      int
	TSV       []byte
}

// ArchiveManifest describes an archived report. It is stored next to the
// report object as JSON.
type ArchiveManifest struct {
	ID              string          `json:"archive_id"`
	TimeRange       string          `json:"time_range"`
	AsOf            time.Time       `json:"as_of"`
	Rows            int             `json:"rows"`
	Key             string          `json:"key"`
	Location        string          `json:"location"`
	Bytes           int64           `json:"bytes"`
	CompressedBytes int64           `json:"compressed_bytes"`
	Compression     CompressionType `json:"compression"`
	SHA256          string          `json:"sha256"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Archiver uploads risk report exports with a manifest.
type Archiver struct {
	client *Client
	config *ArchiverConfig
	logger *slog.Logger
	now    func() time.Time

	reportsArchived atomic.Int64
	bytesArchived   atomic.Int64
}

// NewArchiver creates a new archiver.
func NewArchiver(client *Client, cfg *ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg == nil {
		cfg = DefaultArchiverConfig()
	}
	return &Archiver{client: client, config: cfg, logger: logger, now: time.Now}
}

// Archive compresses and uploads one report, then uploads its manifest.
func (a *Archiver) Archive(ctx context.Context, export ReportExport) (*ArchiveManifest, error) {
	if len(export.TSV) == 0 {
		return nil, errors.New("s3: empty report")
	}

	id := uuid.New().String()
	sum := sha256.Sum256(export.TSV)

	body, err := a.compress(export.TSV)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to compress report: %w", err)
	}

	base := a.generateKey(export.TimeRange, id, export.AsOf)
	key := base + ".tsv"
	encoding := ""
	if a.config.Compression == CompressionGzip {
		key += ".gz"
		encoding = "gzip"
	}

	out, err := a.client.Upload(ctx, &UploadInput{
		Key:             key,
		Body:            body,
		ContentType:     "text/tab-separated-values",
		ContentEncoding: encoding,
		Metadata: map[string]string{
			"time-range": export.TimeRange,
			"rows":       fmt.Sprintf("%d", export.Rows),
			"sha256":     hex.EncodeToString(sum[:]),
		},
	})
	if err != nil {
		return nil, err
	}

	manifest := &ArchiveManifest{
		ID:              id,
		TimeRange:       export.TimeRange,
		AsOf:            export.AsOf.UTC(),
		Rows:            export.Rows,
		Key:             out.Key,
		Location:        out.Location,
		Bytes:           int64(len(export.TSV)),
		CompressedBytes: out.Size,
		Compression:     a.config.Compression,
		SHA256:          hex.EncodeToString(sum[:]),
		CreatedAt:       a.now().UTC(),
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("s3: failed to marshal manifest: %w", err)
	}
	if _, err := a.client.Upload(ctx, &UploadInput{
		Key:         base + ".manifest.json",
		Body:        data,
		ContentType: "application/json",
	}); err != nil {
		return nil, fmt.Errorf("s3: failed to upload manifest: %w", err)
	}

	a.reportsArchived.Add(1)
	a.bytesArchived.Add(out.Size)
	a.logger.Info("archived risk report",
		"archive_id", id,
		"time_range", export.TimeRange,
		"rows", export.Rows,
		"location", out.Location,
	)
	return manifest, nil
}

// Fetch downloads an archived report and verifies it against its manifest.
func (a *Archiver) Fetch(ctx context.Context, m *ArchiveManifest) ([]byte, error) {
	key := strings.TrimPrefix(m.Key, a.client.config.Prefix)
	data, err := a.client.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	tsv, err := decompress(data, m.Compression)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to decompress %s: %w", m.Key, err)
	}
	sum := sha256.Sum256(tsv)
	if got := hex.EncodeToString(sum[:]); got != m.SHA256 {
		return nil, fmt.Errorf("s3: checksum mismatch for %s: got %s, want %s", m.Key, got, m.SHA256)
	}
	return tsv, nil
}

func (a *Archiver) generateKey(timeRange, id string, asOf time.Time) string {
	if timeRange == "" {
		timeRange = "custom"
	}
	r := strings.NewReplacer(
		"{range}", timeRange,
		"{date}", asOf.UTC().Format("2006/01/02"),
		"{id}", id,
	)
	return path.Clean(r.Replace(a.config.PathTemplate))
}

func (a *Archiver) compress(data []byte) ([]byte, error) {
	if a.config.Compression != CompressionGzip {
		return data, nil
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte, compression CompressionType) ([]byte, error) {
	if compression != CompressionGzip {
		return data, nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

// ArchiverMetrics contains archiver counters.
type ArchiverMetrics struct {
	ReportsArchived int64 `json:"reports_archived"`
	BytesArchived   int64 `json:"bytes_archived"`
}

// GetMetrics returns current archiver metrics.
func (a *Archiver) GetMetrics() ArchiverMetrics {
	return ArchiverMetrics{
		ReportsArchived: a.reportsArchived.Load(),
		BytesArchived:   a.bytesArchived.Load(),
	}
}
