package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type memoryAPI struct {
	mu      sync.Mutex
	objects map[string][]byte
	inputs  []*s3.PutObjectInput
	putErr  error
}

func newMemoryAPI() *memoryAPI {
	return &memoryAPI{objects: make(map[string][]byte)}
}

func (m *memoryAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(in.Key)] = data
	m.inputs = append(m.inputs, in)
	return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

func (m *memoryAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memoryAPI) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Region == "" {
		t.Error("expected default region")
	}
	if cfg.Bucket == "" {
		t.Error("expected default bucket")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty region",
			modify:  func(c *Config) { c.Region = "" },
			wantErr: true,
		},
		{
			name:    "empty bucket",
			modify:  func(c *Config) { c.Bucket = "" },
			wantErr: true,
		},
		{
			name:    "unknown encryption",
			modify:  func(c *Config) { c.ServerSideEncryption = "rot13" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetStorageClass(t *testing.T) {
	tests := []struct {
		class    string
		expected string
	}{
		{"STANDARD", "STANDARD"},
		{"STANDARD_IA", "STANDARD_IA"},
		{"GLACIER", "GLACIER"},
		{"standard", "STANDARD"},
		{"unknown", "STANDARD"},
	}

	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			cfg := &Config{StorageClass: tt.class}
			if got := cfg.GetStorageClass(); string(got) != tt.expected {
				t.Errorf("GetStorageClass() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestClient_UploadAppliesPrefixAndEncryption(t *testing.T) {
	api := newMemoryAPI()
	cfg := DefaultConfig()
	cfg.ServerSideEncryption = "AES256"
	c := newClient(api, cfg, testLogger())

	out, err := c.Upload(context.Background(), &UploadInput{Key: "a.tsv", Body: []byte("x\ty\n")})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if out.Key != "reports/a.tsv" {
		t.Errorf("Key = %q", out.Key)
	}
	if out.Location != "s3://ledger-risk-reports/reports/a.tsv" {
		t.Errorf("Location = %q", out.Location)
	}
	if in := api.inputs[0]; in.ServerSideEncryption != "AES256" {
		t.Errorf("ServerSideEncryption = %q", in.ServerSideEncryption)
	}
	if m := c.GetMetrics(); m.ObjectsUploaded != 1 || m.BytesUploaded != 4 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestClient_UploadError(t *testing.T) {
	api := newMemoryAPI()
	api.putErr = errors.New("access denied")
	c := newClient(api, DefaultConfig(), testLogger())

	if _, err := c.Upload(context.Background(), &UploadInput{Key: "k", Body: []byte("x")}); err == nil {
		t.Fatal("expected error")
	}
	if c.GetMetrics().Errors != 1 {
		t.Error("error not counted")
	}
}

func TestArchiver_ArchiveAndFetch(t *testing.T) {
	api := newMemoryAPI()
	client := newClient(api, DefaultConfig(), testLogger())
	a := NewArchiver(client, nil, testLogger())

	tsv := []byte(strings.Repeat("1\t2024-02-01 08:00:00\t60000.00\n", 50))
	asOf := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

	m, err := a.Archive(context.Background(), ReportExport{TimeRange: "24h", AsOf: asOf, Rows: 50, TSV: tsv})
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if !strings.HasPrefix(m.Key, "reports/24h/2024/02/01/") || !strings.HasSuffix(m.Key, ".tsv.gz") {
		t.Errorf("Key = %q", m.Key)
	}
	if m.CompressedBytes >= m.Bytes {
		t.Errorf("compressed %d >= raw %d", m.CompressedBytes, m.Bytes)
	}
	if len(api.objects) != 2 {
		t.Errorf("objects = %d, want report and manifest", len(api.objects))
	}

	got, err := a.Fetch(context.Background(), m)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !bytes.Equal(got, tsv) {
		t.Error("fetched report differs from original")
	}

	m.SHA256 = "00"
	if _, err := a.Fetch(context.Background(), m); err == nil {
		t.Error("expected checksum mismatch")
	}
}

func TestArchiver_RejectsEmptyReport(t *testing.T) {
	a := NewArchiver(newClient(newMemoryAPI(), DefaultConfig(), testLogger()), nil, testLogger())
	if _, err := a.Archive(context.Background(), ReportExport{TimeRange: "7d"}); err == nil {
		t.Error("expected error for empty report")
	}
}

func TestGenerateKey(t *testing.T) {
	a := &Archiver{config: DefaultArchiverConfig()}
	asOf := time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC)
	if got := a.generateKey("", "abc", asOf); got != "custom/2024/12/31/abc" {
		t.Errorf("generateKey() = %q", got)
	}
}
