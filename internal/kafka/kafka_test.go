package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if len(cfg.Brokers) == 0 {
		t.Error("expected default brokers")
	}
	if cfg.Topic == "" {
		t.Error("expected default topic")
	}
	if cfg.ConsumerGroup == "" {
		t.Error("expected default consumer group")
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
			name:    "empty brokers",
			modify:  func(c *Config) { c.Brokers = nil },
			wantErr: true,
		},
		{
			name:    "empty topic",
			modify:  func(c *Config) { c.Topic = "" },
			wantErr: true,
		},
		{
			name:    "invalid partitions",
			modify:  func(c *Config) { c.Partitions = 0 },
			wantErr: true,
		},
		{
			name:    "invalid security protocol",
			modify:  func(c *Config) { c.SecurityProtocol = "INVALID" },
			wantErr: true,
		},
		{
			name: "sasl without credentials",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "PLAIN"
			},
			wantErr: true,
		},
		{
			name: "sasl scram",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_SSL"
				c.SASLMechanism = "SCRAM-SHA-512"
				c.SASLUsername = "risk"
				c.SASLPassword = "secret"
			},
			wantErr: false,
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

func TestGetCompression(t *testing.T) {
	tests := []struct {
		compression string
		wantNonZero bool
	}{
		{"gzip", true},
		{"snappy", true},
		{"lz4", true},
		{"zstd", true},
		{"none", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.compression, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.CompressionType = tt.compression

			result := cfg.GetCompression()
			if tt.wantNonZero && result == 0 {
				t.Errorf("expected non-zero compression for %s", tt.compression)
			}
			if !tt.wantNonZero && result != 0 {
				t.Errorf("expected zero compression for %s", tt.compression)
			}
		})
	}
}

func TestGetDialer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TLSEnabled = true
	cfg.TLSSkipVerify = true

	dialer, err := cfg.GetDialer()
	if err != nil {
		t.Fatalf("GetDialer() error = %v", err)
	}
	if dialer.Timeout != cfg.DialTimeout {
		t.Errorf("expected timeout %v, got %v", cfg.DialTimeout, dialer.Timeout)
	}
	if dialer.TLS == nil {
		t.Error("expected TLS config to be set")
	}
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	fetchErr  error
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.fetchErr != nil {
		err := r.fetchErr
		r.fetchErr = nil
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConsumer_CommitsOnlyHandledMessages(t *testing.T) {
	reader := &fakeReader{
		fetchErr: errors.New("leader not available"),
		msgs: []kafka.Message{
			{Offset: 1, Value: []byte("ok"), Headers: []kafka.Header{{Key: "type", Value: []byte("login")}}},
			{Offset: 2, Value: []byte("fail")},
			{Offset: 3, Value: []byte("ok")},
		},
	}

	var mu sync.Mutex
	var seen []Message
	handler := func(_ context.Context, msg Message) error {
		mu.Lock()
		seen = append(seen, msg)
		mu.Unlock()
		if string(msg.Value) == "fail" {
			return errors.New("transient")
		}
		return nil
	}

	c, err := newConsumer(reader, DefaultConfig(), handler, testLogger())
	if err != nil {
		t.Fatalf("newConsumer() error = %v", err)
	}
	c.backoff = time.Millisecond

	if err := c.StartAsync(); err != nil {
		t.Fatalf("StartAsync() error = %v", err)
	}
	if err := c.StartAsync(); err == nil {
		t.Error("expected error when starting twice")
	}

	waitFor(t, func() bool { return len(reader.commits()) == 2 })
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	got := reader.commits()
	if got[0] != 1 || got[1] != 3 {
		t.Errorf("committed offsets = %v, want [1 3]", got)
	}
	if seen[0].Headers["type"] != "login" {
		t.Errorf("headers = %v", seen[0].Headers)
	}

	m := c.GetMetrics()
	if m.MessagesConsumed != 2 || m.Errors != 2 || m.LastOffset != 3 {
		t.Errorf("metrics = %+v", m)
	}
	if err := c.StartAsync(); !errors.Is(err, ErrConsumerClosed) {
		t.Errorf("start after stop error = %v", err)
	}
}

func TestNewConsumer_RequiresHandler(t *testing.T) {
	if _, err := newConsumer(&fakeReader{}, DefaultConfig(), nil, testLogger()); err == nil {
		t.Error("expected error for nil handler")
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	errs   []error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		return err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestProducer_ProduceJSON(t *testing.T) {
	w := &fakeWriter{errs: []error{errors.New("broker down")}}
	cfg := DefaultConfig()
	cfg.ProducerRetryBackoff = time.Millisecond
	p := newProducer(w, cfg, testLogger())

	type event struct {
		Type string `json:"type"`
	}
	err := p.ProduceJSON(context.Background(),
		Keyed{Key: "1", Value: event{Type: "login"}},
		Keyed{Key: "2", Value: event{Type: "transaction"}},
	)
	if err != nil {
		t.Fatalf("ProduceJSON() error = %v", err)
	}

	if len(w.msgs) != 2 || string(w.msgs[0].Key) != "1" {
		t.Fatalf("written = %+v", w.msgs)
	}
	var e event
	if err := json.Unmarshal(w.msgs[1].Value, &e); err != nil || e.Type != "transaction" {
		t.Errorf("value = %s", w.msgs[1].Value)
	}

	m := p.GetMetrics()
	if m.MessagesProduced != 2 || m.Retries != 1 || m.Errors != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestProducer_NonRetryable(t *testing.T) {
	w := &fakeWriter{errs: []error{kafka.MessageSizeTooLarge}}
	p := newProducer(w, DefaultConfig(), testLogger())

	err := p.Produce(context.Background(), nil, []byte("x"))
	if !errors.Is(err, kafka.MessageSizeTooLarge) {
		t.Errorf("error = %v, want MessageSizeTooLarge", err)
	}
	if p.GetMetrics().Retries != 0 {
		t.Error("non-retryable error was retried")
	}
}

func TestProducerClosed(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, DefaultConfig(), testLogger())
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
	if err := p.Produce(context.Background(), []byte("k"), []byte("v")); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("expected ErrProducerClosed, got %v", err)
	}
}

func TestTopicEntries(t *testing.T) {
	cfg := DefaultConfig()
	entries := topicEntries(cfg)
	if len(entries) != 2 || entries[1].ConfigName != "retention.ms" {
		t.Errorf("entries = %+v", entries)
	}
	cfg.RetentionMs = 0
	if len(topicEntries(cfg)) != 1 {
		t.Error("retention entry should be omitted")
	}
}
