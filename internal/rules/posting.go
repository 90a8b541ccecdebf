package rules

import (
	"fmt"
	"time"

	"github.com/wakala/paysettle/internal/domain"
)

// RailConfig describes when payments on one settlement rail may post.
type RailConfig struct {
	Triggers           []string
	RequiresSettlement bool
	SettlementLatency  time.Duration
}

// Rails is the posting table per rail.
var Rails = map[domain.Method]RailConfig{
	domain.MethodACH:      {Triggers: []string{"settled", "cleared"}, RequiresSettlement: true, SettlementLatency: 72 * time.Hour},
	domain.MethodCheck:    {Triggers: []string{"cleared"}, RequiresSettlement: true, SettlementLatency: 120 * time.Hour},
	domain.MethodWire:     {Triggers: []string{"completed"}},
	domain.MethodRealtime: {Triggers: []string{"completed"}},
	domain.MethodZelle:    {Triggers: []string{"completed"}},
	domain.MethodCard:     {Triggers: []string{"capture", "settlement"}},
	domain.MethodPayPal:   {Triggers: []string{"capture", "settlement"}},
	domain.MethodVenmo:    {Triggers: []string{"capture", "settlement"}},
	domain.MethodCash:     {Triggers: []string{"received"}},
}

// failureEvents never post and always need a person.
var failureEvents = map[string]bool{
	"returned":   true,
	"failed":     true,
	"reversed":   true,
	"declined":   true,
	"chargeback": true,
}

// GetPostingDecision decides whether event on rail should post now. at is
// the event time used to compute DelayUntil for settlement rails.
func GetPostingDecision(rail domain.Method, event string, at time.Time) domain.PostingDecision {
	cfg, ok := Rails[rail]
	if !ok {
		return domain.PostingDecision{
			Reason:               fmt.Sprintf("unknown rail %q", rail),
			RequiresManualReview: true,
		}
	}

	for _, trigger := range cfg.Triggers {
		if event == trigger {
			return domain.PostingDecision{
				ShouldPost: true,
				Reason:     fmt.Sprintf("%s event %q triggers posting", rail, event),
			}
		}
	}

	if failureEvents[event] {
		return domain.PostingDecision{
			Reason:               fmt.Sprintf("%s event %q is a payment failure", rail, event),
			RequiresManualReview: true,
		}
	}

	if cfg.RequiresSettlement {
		until := at.Add(cfg.SettlementLatency)
		return domain.PostingDecision{
			Reason:     fmt.Sprintf("%s requires settlement, event %q is not a settlement event", rail, event),
			DelayUntil: &until,
		}
	}

	return domain.PostingDecision{
		Reason: fmt.Sprintf("%s event %q does not trigger posting", rail, event),
	}
}
