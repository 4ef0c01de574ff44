package lifecycle

import (
	"fmt"
	"strings"
	"sync"

	"github.com/lazypower/tierkeeper/internal/model"
)

// PolicyConflictError reports contradictory thresholds. Records governed by
// such a policy are skipped and listed for review.
type PolicyConflictError struct {
	EntityType string
	Reason     string
}

func (e *PolicyConflictError) Error() string {
	return fmt.Sprintf("policy conflict for %q: %s", e.EntityType, e.Reason)
}

// Builtin returns the fallback used when no policy matches an entity type.
func Builtin(entityType string) model.Policy {
	return model.Policy{EntityType: entityType, Builtin: true}
}

// Validate checks that set thresholds are non-negative and non-decreasing
// (core <= main <= archive <= delete). Zero means unset.
func Validate(p model.Policy) error {
	type threshold struct {
		name string
		days int
	}
	set := []threshold{}
	for _, th := range []threshold{
		{"core_retention_days", p.CoreRetentionDays},
		{"main_retention_days", p.MainRetentionDays},
		{"archive_after_days", p.ArchiveAfterDays},
	} {
		if th.days < 0 {
			return &PolicyConflictError{EntityType: p.EntityType, Reason: th.name + " is negative"}
		}
		if th.days > 0 {
			set = append(set, th)
		}
	}
	if p.DeleteAfterDays != nil {
		if *p.DeleteAfterDays <= 0 {
			return &PolicyConflictError{EntityType: p.EntityType, Reason: "delete_after_days must be positive"}
		}
		set = append(set, threshold{"delete_after_days", *p.DeleteAfterDays})
	}

	for i := 1; i < len(set); i++ {
		if set[i].days < set[i-1].days {
			return &PolicyConflictError{
				EntityType: p.EntityType,
				Reason:     fmt.Sprintf("%s (%d) < %s (%d)", set[i].name, set[i].days, set[i-1].name, set[i-1].days),
			}
		}
	}
	return nil
}

// Policies resolves entity types to policies. An exact match always wins
// over the "*" policy; with neither, the builtin never-migrate policy is
// returned.
type Policies struct {
	mu       sync.RWMutex
	byEntity map[string]model.Policy
}

// NewPolicies indexes ps by entity type.
func NewPolicies(ps []model.Policy) *Policies {
	p := &Policies{byEntity: make(map[string]model.Policy, len(ps))}
	for _, pol := range ps {
		p.byEntity[strings.TrimSpace(pol.EntityType)] = pol
	}
	return p
}

// Resolve returns the policy governing entityType.
func (p *Policies) Resolve(entityType string) model.Policy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if pol, ok := p.byEntity[entityType]; ok {
		return pol
	}
	if pol, ok := p.byEntity[model.DefaultEntityType]; ok {
		pol.EntityType = entityType
		return pol
	}
	return Builtin(entityType)
}

// Set replaces or adds a policy.
func (p *Policies) Set(pol model.Policy) {
	p.mu.Lock()
	p.byEntity[pol.EntityType] = pol
	p.mu.Unlock()
}

// Len returns the number of explicit policies.
func (p *Policies) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byEntity)
}
