// Package lifecycle maps a record's entity type and age to the tier it
// should live in.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/lazypower/tierkeeper/internal/model"
	"github.com/lazypower/tierkeeper/internal/tier"
)

// Action is what a decision asks the orchestrator to do.
type Action int

const (
	NoAction Action = iota
	Migrate
	Delete
)

func (a Action) String() string {
	switch a {
	case Migrate:
		return "migrate"
	case Delete:
		return "delete"
	default:
		return "no_action"
	}
}

// Decision is the outcome of evaluating one record.
type Decision struct {
	Action     Action
	TargetTier string
	// Review is set when the record needs a human look (no policy).
	Review string
}

// Engine evaluates policies against the tier registry's roles.
type Engine struct {
	tiers *tier.Registry
}

// New returns an Engine bound to a registry.
func New(tiers *tier.Registry) *Engine {
	return &Engine{tiers: tiers}
}

// Decide evaluates env against p at now. The most aggressive satisfied
// threshold wins: delete, then archive, then main. A conflicting policy
// yields a *PolicyConflictError and no decision.
func (e *Engine) Decide(env model.Envelope, p model.Policy, now time.Time) (Decision, error) {
	if p.Builtin {
		return Decision{Action: NoAction, Review: "no lifecycle policy for entity type"}, nil
	}
	if err := Validate(p); err != nil {
		return Decision{}, err
	}

	current, ok := e.tiers.Get(env.CurrentTierID)
	if !ok {
		return Decision{}, fmt.Errorf("decide %s: unknown current tier %q", env.RecordID, env.CurrentTierID)
	}
	age := env.Age(now)

	if p.DeleteAfterDays != nil && age >= model.Days(*p.DeleteAfterDays) {
		return Decision{Action: Delete}, nil
	}

	archiveAfter := max(p.ArchiveAfterDays, p.MainRetentionDays)
	if p.ArchiveAfterDays > 0 && age >= model.Days(archiveAfter) && current.LatencyClass != tier.Cold {
		if archive, ok := e.tiers.Archive(); ok {
			return Decision{Action: Migrate, TargetTier: archive.ID}, nil
		}
	}

	coreRetention := p.CoreRetentionDays
	if coreRetention == 0 {
		coreRetention = p.MainRetentionDays
	}
	if coreRetention > 0 && current.LatencyClass == tier.Hot {
		clockAge := age
		if p.ExtendOnAccess {
			clockAge = now.Sub(env.LastTouched())
		}
		if clockAge >= model.Days(coreRetention) {
			if main, ok := e.tiers.Main(); ok {
				return Decision{Action: Migrate, TargetTier: main.ID}, nil
			}
		}
	}

	return Decision{Action: NoAction}, nil
}
