// Package seed generates synthetic ledgers for demos and load tests.
package seed

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"ledger-risk/internal/feed"
	"ledger-risk/internal/ledger"
)

// Config controls the size and shape of a generated ledger.
type Config struct {
	Accounts     int           `validate:"min=2"`
	Logins       int           `validate:"min=0"`
	Transactions int           `validate:"min=0"`
	Span         time.Duration `validate:"gt=0"`
	LargeRatio   float64       `validate:"min=0,max=1"`
	// Threshold separates small and large amounts.
	Threshold decimal.Decimal
	// MaxLarge bounds large amounts; small amounts start at 100.
	MaxLarge decimal.Decimal
	// Chains plants pass-through chains on top of the random traffic.
	Chains int `validate:"min=0"`
	Seed   uint64
}

// DefaultConfig matches the classic demo dataset: 1000 accounts, 10000
// logins and 20000 transfers over 30 days, one in ten of them large.
func DefaultConfig() Config {
	return Config{
		Accounts:     1000,
		Logins:       10000,
		Transactions: 20000,
		Span:         30 * 24 * time.Hour,
		LargeRatio:   0.1,
		Threshold:    decimal.NewFromInt(50000),
		MaxLarge:     decimal.NewFromInt(200000),
		Chains:       0,
		Seed:         1,
	}
}

var validate = validator.New()

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	if !c.Threshold.IsPositive() || c.MaxLarge.LessThan(c.Threshold) {
		return fmt.Errorf("seed: need 0 < threshold <= max_large, got %s and %s", c.Threshold, c.MaxLarge)
	}
	return nil
}

// Dataset is a generated ledger.
type Dataset struct {
	Accounts     []ledger.Account
	Logins       []ledger.LoginEvent
	Transactions []ledger.Transaction
}

// Generate builds a dataset ending at now. The same config and now always
// produce the same dataset.
func Generate(cfg Config, now time.Time) (*Dataset, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &generator{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		now: now.UTC(),
	}
	return g.run(), nil
}

type generator struct {
	cfg Config
	rng *rand.Rand
	now time.Time
	ds  Dataset
}

func (g *generator) run() *Dataset {
	for i := 1; i <= g.cfg.Accounts; i++ {
		g.ds.Accounts = append(g.ds.Accounts, ledger.Account{
			ID:   ledger.AccountID(i),
			Name: fmt.Sprintf("User_%04d", i),
			Type: "personal",
		})
	}
	for range g.cfg.Logins {
		g.login(g.account(), g.instant())
	}
	for range g.cfg.Transactions {
		from, to := g.pair()
		g.transfer(from, to, g.amount(), g.instant(), "")
	}
	for range g.cfg.Chains {
		g.chain()
	}

	sort.SliceStable(g.ds.Logins, func(i, j int) bool {
		return g.ds.Logins[i].LoginAt.Before(g.ds.Logins[j].LoginAt)
	})
	sort.SliceStable(g.ds.Transactions, func(i, j int) bool {
		return g.ds.Transactions[i].CreatedAt.Before(g.ds.Transactions[j].CreatedAt)
	})
	// IDs follow time order, as a ledger sequence would.
	for i := range g.ds.Logins {
		g.ds.Logins[i].ID = int64(i + 1)
	}
	for i := range g.ds.Transactions {
		g.ds.Transactions[i].ID = int64(i + 1)
	}
	return &g.ds
}

// chain plants source -> victim -> suspicious: a login on the victim
// account, a large inbound transfer and the same amount passed on to the
// suspicious account inside the pass-through window.
func (g *generator) chain() {
	source, victim := g.pair()
	suspicious := g.account()
	for suspicious == source || suspicious == victim {
		suspicious = g.account()
	}

	// Keep the chain inside the last day so every range token sees it.
	at := g.now.Add(-time.Duration(g.rng.Int64N(int64(20*time.Hour))) - time.Hour).Truncate(time.Second)
	amount := g.large()

	g.login(victim, at.Add(-3*time.Minute))
	g.transfer(source, victim, amount, at.Add(-time.Minute), "invoice")
	g.transfer(victim, suspicious, amount, at, "forward")
}

func (g *generator) login(id ledger.AccountID, at time.Time) {
	g.ds.Logins = append(g.ds.Logins, ledger.LoginEvent{
		ID:        int64(len(g.ds.Logins) + 1),
		AccountID: id,
		LoginAt:   at,
	})
}

func (g *generator) transfer(from, to ledger.AccountID, amount decimal.Decimal, at time.Time, desc string) {
	g.ds.Transactions = append(g.ds.Transactions, ledger.Transaction{
		ID:          int64(len(g.ds.Transactions) + 1),
		CreatedAt:   at,
		Amount:      amount,
		SenderID:    from,
		ReceiverID:  to,
		Status:      ledger.StatusPosted,
		Description: desc,
	})
}

func (g *generator) account() ledger.AccountID {
	return ledger.AccountID(g.rng.IntN(g.cfg.Accounts) + 1)
}

// pair returns two distinct accounts.
func (g *generator) pair() (ledger.AccountID, ledger.AccountID) {
	from, to := g.account(), g.account()
	for to == from {
		to = g.account()
	}
	return from, to
}

// instant returns a whole-second time within the span before now.
func (g *generator) instant() time.Time {
	return g.now.Add(-time.Duration(g.rng.Int64N(int64(g.cfg.Span)))).Truncate(time.Second)
}

func (g *generator) amount() decimal.Decimal {
	if g.rng.Float64() < g.cfg.LargeRatio {
		return g.large()
	}
	return between(g.rng, decimal.NewFromInt(100), g.cfg.Threshold.Sub(decimal.NewFromInt(1)))
}

func (g *generator) large() decimal.Decimal {
	return between(g.rng, g.cfg.Threshold, g.cfg.MaxLarge)
}

// between returns a whole amount in [lo, hi].
func between(rng *rand.Rand, lo, hi decimal.Decimal) decimal.Decimal {
	l, h := lo.Ceil().IntPart(), hi.Floor().IntPart()
	if h <= l {
		return decimal.NewFromInt(l)
	}
	return decimal.NewFromInt(l + rng.Int64N(h-l+1))
}

// WriteTo writes the dataset to p, accounts first.
func (d *Dataset) WriteTo(p feed.Persister) error {
	for _, a := range d.Accounts {
		if err := p.WriteAccount(a); err != nil {
			return err
		}
	}
	for _, l := range d.Logins {
		if err := p.WriteLogin(l); err != nil {
			return err
		}
	}
	for _, t := range d.Transactions {
		if err := p.WriteTransaction(t); err != nil {
			return err
		}
	}
	return nil
}

// Envelopes converts the dataset to feed events, accounts first and the
// rest in time order.
func (d *Dataset) Envelopes(now time.Time) []feed.Envelope {
	out := make([]feed.Envelope, 0, len(d.Accounts)+len(d.Logins)+len(d.Transactions))
	for _, a := range d.Accounts {
		out = append(out, feed.NewAccountEvent(a, now))
	}
	i, j := 0, 0
	for i < len(d.Logins) || j < len(d.Transactions) {
		if j >= len(d.Transactions) || (i < len(d.Logins) && !d.Logins[i].LoginAt.After(d.Transactions[j].CreatedAt)) {
			out = append(out, feed.NewLoginEvent(d.Logins[i]))
			i++
			continue
		}
		out = append(out, feed.NewTransactionEvent(d.Transactions[j]))
		j++
	}
	return out
}
