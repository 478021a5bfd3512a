package credits

import (
	"context"
	"fmt"
	"math"

	"github.com/jo-hoe/reelcut/internal/types"
)

// DurationProber reports a media duration in seconds.
type DurationProber interface {
	Duration(ctx context.Context, location string) (float64, error)
}

// Rates are credits per started hour of source media.
type Rates struct {
	Speech int
	Visual int
}

// Estimator prices a job from the probed source duration.
type Estimator struct {
	prober DurationProber
	rates  Rates
}

// NewEstimator returns an Estimator.
func NewEstimator(prober DurationProber, rates Rates) *Estimator {
	return &Estimator{prober: prober, rates: rates}
}

// Estimate probes location and returns the cost together with the probed duration.
func (e *Estimator) Estimate(ctx context.Context, location string, class types.ContentClass) (int, float64, error) {
	seconds, err := e.prober.Duration(ctx, location)
	if err != nil {
		return 0, 0, fmt.Errorf("probe source duration: %w", err)
	}
	return Cost(seconds, class, e.rates), seconds, nil
}

// Cost rounds seconds up to whole hours (at least one) and applies the class rate.
func Cost(seconds float64, class types.ContentClass, rates Rates) int {
	hours := int(math.Ceil(seconds / 3600))
	if hours < 1 {
		hours = 1
	}
	rate := rates.Visual
	if class == types.ClassSpeech {
		rate = rates.Speech
	}
	return hours * rate
}

// Quote is the outcome of a successful authorization.
type Quote struct {
	Credits       int
	SourceSeconds float64
}

// Authorizer prices a job and debits the user before it is queued.
type Authorizer struct {
	estimator *Estimator
	ledger    Ledger
	initial   int
}

// NewAuthorizer returns an Authorizer. initial credits are granted once to
// users without an account when positive.
func NewAuthorizer(estimator *Estimator, ledger Ledger, initial int) *Authorizer {
	return &Authorizer{estimator: estimator, ledger: ledger, initial: initial}
}

// Authorize estimates the cost of processing location and consumes it.
// It returns ErrInsufficientCredits when the balance does not cover the cost.
func (a *Authorizer) Authorize(ctx context.Context, userID, location string, class types.ContentClass, reason string) (Quote, error) {
	cost, seconds, err := a.estimator.Estimate(ctx, location, class)
	if err != nil {
		return Quote{}, err
	}
	q := Quote{Credits: cost, SourceSeconds: seconds}
	if cost == 0 {
		return q, nil
	}
	if a.initial > 0 {
		if err := a.ledger.EnsureAccount(ctx, userID, a.initial); err != nil {
			return Quote{}, err
		}
	}
	ok, err := a.ledger.Consume(ctx, userID, cost, reason)
	if err != nil {
		return Quote{}, fmt.Errorf("consume credits: %w", err)
	}
	if !ok {
		balance, _ := a.ledger.Balance(ctx, userID)
		return Quote{}, fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, cost, balance)
	}
	return q, nil
}
