package storage

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledger-risk/internal/ledger"
)

func testWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     3,
		FlushInterval: 0, // manual flushing only
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
	}
}

func sampleTx(id int64) ledger.Transaction {
	return ledger.Transaction{
		ID:         id,
		CreatedAt:  ts,
		Amount:     decimal.NewFromInt(100),
		SenderID:   1,
		ReceiverID: 2,
		Status:     ledger.StatusPosted,
	}
}

func TestLedgerWriter_FlushesAtBatchSize(t *testing.T) {
	p := &fakePreparer{}
	w := newLedgerWriter(p, testWriterConfig())

	for i := int64(1); i <= 2; i++ {
		if err := w.WriteTransaction(sampleTx(i)); err != nil {
			t.Fatalf("WriteTransaction() error = %v", err)
		}
	}
	if p.appended("transactions") != 0 {
		t.Error("flushed before batch size")
	}
	if err := w.WriteTransaction(sampleTx(3)); err != nil {
		t.Fatalf("WriteTransaction() error = %v", err)
	}
	if got := p.appended("transactions"); got != 3 {
		t.Errorf("appended = %d, want 3", got)
	}

	m := w.Metrics()
	if m.Written != 3 || m.Batches != 1 || m.Pending != 0 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestLedgerWriter_FlushAllTables(t *testing.T) {
	p := &fakePreparer{}
	w := newLedgerWriter(p, testWriterConfig())

	_ = w.WriteAccount(ledger.Account{ID: 1, Name: "User_0001"})
	_ = w.WriteTransaction(sampleTx(1))
	_ = w.WriteLogin(ledger.LoginEvent{ID: 1, AccountID: 1, LoginAt: ts})

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for _, table := range []string{"accounts", "transactions", "logins"} {
		if got := p.appended(table); got != 1 {
			t.Errorf("%s appended = %d, want 1", table, got)
		}
	}

	if err := w.WriteLogin(ledger.LoginEvent{ID: 2}); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("write after close error = %v, want ErrWriterClosed", err)
	}
}

func TestLedgerWriter_RetriesThenFails(t *testing.T) {
	var sends atomic.Int32
	p := &fakePreparer{sendErr: func() error {
		sends.Add(1)
		return errors.New("server busy")
	}}
	w := newLedgerWriter(p, testWriterConfig())

	_ = w.WriteLogin(ledger.LoginEvent{ID: 1, AccountID: 1, LoginAt: ts})
	err := w.Flush()
	if err == nil {
		t.Fatal("Flush() should fail")
	}
	if !IsRetryable(err) {
		t.Errorf("error = %v, want retryable batch error", err)
	}
	if got := sends.Load(); got != 3 {
		t.Errorf("send attempts = %d, want 3", got)
	}
	if m := w.Metrics(); m.Failed != 1 {
		t.Errorf("Failed = %d, want 1", m.Failed)
	}
}

func TestLedgerWriter_RejectsInvalidTransaction(t *testing.T) {
	w := newLedgerWriter(&fakePreparer{}, testWriterConfig())
	bad := sampleTx(1)
	bad.Amount = decimal.NewFromInt(-1)
	if err := w.WriteTransaction(bad); err == nil {
		t.Error("expected validation error")
	}
}

func TestLedgerWriter_TimerFlush(t *testing.T) {
	p := &fakePreparer{}
	cfg := testWriterConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	w := newLedgerWriter(p, cfg)
	defer w.Close()

	_ = w.WriteAccount(ledger.Account{ID: 1})

	deadline := time.Now().Add(time.Second)
	for p.appended("accounts") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.appended("accounts") != 1 {
		t.Error("timer did not flush pending rows")
	}
}

func TestRetentionPolicies(t *testing.T) {
	cfg := RetentionConfig{LoginsTTL: 12 * time.Hour}
	policies := cfg.policies()
	if len(policies) != 1 {
		t.Fatalf("policies = %+v, want 1", policies)
	}
	if policies[0].table != "logins" || policies[0].days != 1 {
		t.Errorf("policy = %+v, want logins with 1 day", policies[0])
	}
	if n := len(DefaultRetentionConfig().policies()); n != 2 {
		t.Errorf("default policies = %d, want 2", n)
	}
}

func TestSanitizeIdentifier(t *testing.T) {
	if got := sanitizeIdentifier("ledger; DROP TABLE x"); got != "ledgerDROPTABLEx" {
		t.Errorf("sanitizeIdentifier() = %q", got)
	}
}
