package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ErrInvalidEvent marks messages that can never be applied. They are
// quarantined and their offsets committed.
var ErrInvalidEvent = errors.New("feed: invalid event")

// Validator decodes and checks feed envelopes.
type Validator struct {
	validate  *validator.Validate
	maxFuture time.Duration
	now       func() time.Time
}

// NewValidator creates a Validator. Events stamped more than maxFuture ahead
// of the local clock are rejected.
func NewValidator(maxFuture time.Duration) *Validator {
	v := validator.New()

	// Compare decimals numerically in gte/lte tags.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	return &Validator{validate: v, maxFuture: maxFuture, now: time.Now}
}

// Decode parses and validates one message value.
func (v *Validator) Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidEvent, err)
	}
	if err := v.Validate(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks an envelope.
func (v *Validator) Validate(env *Envelope) error {
	if err := v.validate.Struct(env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	payloads := 0
	for _, set := range []bool{env.Transaction != nil, env.Login != nil, env.Account != nil} {
		if set {
			payloads++
		}
	}
	if payloads != 1 {
		return fmt.Errorf("%w: %s envelope carries %d payloads", ErrInvalidEvent, env.Type, payloads)
	}

	if env.Transaction != nil && env.Transaction.Amount.IsNegative() {
		return fmt.Errorf("%w: negative amount %s", ErrInvalidEvent, env.Transaction.Amount)
	}

	if v.maxFuture > 0 && env.OccurredAt.After(v.now().Add(v.maxFuture)) {
		return fmt.Errorf("%w: occurred_at in future: %v (max future: %v)", ErrInvalidEvent, env.OccurredAt, v.maxFuture)
	}
	return nil
}
