// Package admission contains the pure admission-control predicates run
// against a system snapshot before a session is considered for placement.
package admission

import (
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulererrors"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// Validator is one admission predicate. Validate returns nil to admit the
// workload or a typed error describing why the workload must stay pending.
// Implementations are pure: they never mutate the snapshot or the workload.
//
// A missing policy row for the workload's scope means "no limit" and always
// passes.
type Validator interface {
	Name() string
	Validate(snapshot *schedulerobjects.SystemSnapshot, workload *schedulerobjects.SessionWorkload) error
}

// DefaultChain returns the validators run for every candidate session,
// in evaluation order. The first failure stops evaluation for that session.
func DefaultChain() []Validator {
	return []Validator{
		DependenciesValidator{},
		ConcurrencyLimitValidator{},
		PendingSessionCountLimitValidator{},
		PendingSessionResourceLimitValidator{},
		KeypairResourceLimitValidator{},
		UserResourceLimitValidator{},
		GroupResourceLimitValidator{},
		DomainResourceLimitValidator{},
	}
}

// Validate runs workload through validators in order, returning the first failure.
func Validate(validators []Validator, snapshot *schedulerobjects.SystemSnapshot, workload *schedulerobjects.SessionWorkload) error {
	for _, v := range validators {
		if err := v.Validate(snapshot, workload); err != nil {
			return err
		}
	}
	return nil
}

// KeypairResourceLimitValidator rejects a session if committing it would push
// the keypair's occupancy over its policy ceiling on any slot.
type KeypairResourceLimitValidator struct{}

func (KeypairResourceLimitValidator) Name() string { return "KeypairResourceLimitValidator" }

func (KeypairResourceLimitValidator) Validate(snapshot *schedulerobjects.SystemSnapshot, workload *schedulerobjects.SessionWorkload) error {
	policy, ok := snapshot.ResourcePolicy.ByKeypair[workload.AccessKey]
	if !ok || policy.TotalResourceSlots == nil {
		return nil
	}
	occupied := snapshot.ResourceOccupancy.ByKeypair[workload.AccessKey]
	for t, limit := range policy.TotalResourceSlots {
		projected := occupied.Get(t).Add(workload.RequestedSlots.Get(t))
		if projected.Cmp(limit) > 0 {
			return &schedulererrors.ErrKeypairResourceQuotaExceeded{
				AccessKey: workload.AccessKey,
				SlotName:  t,
				Occupied:  occupied.Get(t).String(),
				Requested: workload.RequestedSlots.Get(t).String(),
				Limit:     limit.String(),
			}
		}
	}
	return nil
}

// PendingSessionCountLimitValidator rejects a session if the keypair already
// has at least max_pending_session_count sessions pending. A nil limit means
// unlimited pending sessions.
type PendingSessionCountLimitValidator struct{}

func (PendingSessionCountLimitValidator) Name() string { return "PendingSessionCountLimitValidator" }

func (PendingSessionCountLimitValidator) Validate(snapshot *schedulerobjects.SystemSnapshot, workload *schedulerobjects.SessionWorkload) error {
	policy, ok := snapshot.ResourcePolicy.ByKeypair[workload.AccessKey]
	if !ok || policy.MaxPendingSessionCount == nil {
		return nil
	}
	pending := 0
	for _, info := range snapshot.PendingSessions[workload.AccessKey] {
		if info.SessionID == workload.SessionID {
			// The candidate itself is part of the pending view.
			continue
		}
		pending++
	}
	if pending >= *policy.MaxPendingSessionCount {
		return &schedulererrors.ErrPendingSessionCountLimitExceeded{
			AccessKey: workload.AccessKey,
			Pending:   pending,
			Limit:     *policy.MaxPendingSessionCount,
		}
	}
	return nil
}

// PendingSessionResourceLimitValidator rejects a session if the aggregate
// resource request of the keypair's pending sessions plus this one would
// exceed the policy's pending-resource cap on any slot.
type PendingSessionResourceLimitValidator struct{}

func (PendingSessionResourceLimitValidator) Name() string {
	return "PendingSessionResourceLimitValidator"
}

func (PendingSessionResourceLimitValidator) Validate(snapshot *schedulerobjects.SystemSnapshot, workload *schedulerobjects.SessionWorkload) error {
	policy, ok := snapshot.ResourcePolicy.ByKeypair[workload.AccessKey]
	if !ok || policy.MaxPendingResourceSlots == nil {
		return nil
	}
	pending := schedulerobjects.ResourceSlot{}
	for _, info := range snapshot.PendingSessions[workload.AccessKey] {
		if info.SessionID == workload.SessionID {
			// The candidate itself is part of the pending view.
			continue
		}
		pending = pending.Add(info.RequestedSlots)
	}
	for t, limit := range policy.MaxPendingResourceSlots {
		projected := pending.Get(t).Add(workload.RequestedSlots.Get(t))
		if projected.Cmp(limit) > 0 {
			return &schedulererrors.ErrPendingSessionResourceLimitExceeded{
				AccessKey: workload.AccessKey,
				SlotName:  t,
				Pending:   pending.Get(t).String(),
				Requested: workload.RequestedSlots.Get(t).String(),
				Limit:     limit.String(),
			}
		}
	}
	return nil
}

// ConcurrencyLimitValidator rejects a session if the keypair is already
// running its maximum number of concurrent sessions. Private sessions count
// against the sftp-session ceiling instead of the regular one.
type ConcurrencyLimitValidator struct{}

func (ConcurrencyLimitValidator) Name() string { return "ConcurrencyLimitValidator" }

func (ConcurrencyLimitValidator) Validate(snapshot *schedulerobjects.SystemSnapshot, workload *schedulerobjects.SessionWorkload) error {
	policy, ok := snapshot.ResourcePolicy.ByKeypair[workload.AccessKey]
	if !ok {
		return nil
	}
	if workload.IsPrivate {
		if policy.MaxConcurrentSFTPSessions == nil {
			return nil
		}
		active := snapshot.Concurrency.SFTPSessionsByKeypair[workload.AccessKey]
		if active >= *policy.MaxConcurrentSFTPSessions {
			return &schedulererrors.ErrConcurrencyLimitExceeded{
				AccessKey: workload.AccessKey,
				Kind:      "sftp-session",
				Active:    active,
				Limit:     *policy.MaxConcurrentSFTPSessions,
			}
		}
		return nil
	}
	if policy.MaxConcurrentSessions == nil {
		return nil
	}
	active := snapshot.Concurrency.SessionsByKeypair[workload.AccessKey]
	if active >= *policy.MaxConcurrentSessions {
		return &schedulererrors.ErrConcurrencyLimitExceeded{
			AccessKey: workload.AccessKey,
			Kind:      "session",
			Active:    active,
			Limit:     *policy.MaxConcurrentSessions,
		}
	}
	return nil
}

// DependenciesValidator rejects a session until every session it depends on
// has finished.
type DependenciesValidator struct{}

func (DependenciesValidator) Name() string { return "DependenciesValidator" }

func (DependenciesValidator) Validate(snapshot *schedulerobjects.SystemSnapshot, workload *schedulerobjects.SessionWorkload) error {
	deps := snapshot.SessionDependencies[workload.SessionID]
	var unsatisfied []string
	for _, dep := range deps {
		if !dep.Satisfied {
			name := dep.Name
			if name == "" {
				name = string(dep.DependsOn)
			}
			unsatisfied = append(unsatisfied, name)
		}
	}
	if len(unsatisfied) > 0 {
		return &schedulererrors.ErrUnsatisfiedDependencies{
			SessionID: workload.SessionID,
			Pending:   unsatisfied,
		}
	}
	return nil
}

// UserResourceLimitValidator applies the user-level resource ceiling.
type UserResourceLimitValidator struct{}

func (UserResourceLimitValidator) Name() string { return "UserResourceLimitValidator" }

func (UserResourceLimitValidator) Validate(snapshot *schedulerobjects.SystemSnapshot, workload *schedulerobjects.SessionWorkload) error {
	policy, ok := snapshot.ResourcePolicy.ByUser[workload.UserID]
	if !ok {
		return nil
	}
	occupied := snapshot.ResourceOccupancy.ByUser[workload.UserID]
	return checkScopedQuota("user", string(workload.UserID), policy, occupied, workload.RequestedSlots)
}

// GroupResourceLimitValidator applies the group/project-level resource ceiling.
type GroupResourceLimitValidator struct{}

func (GroupResourceLimitValidator) Name() string { return "GroupResourceLimitValidator" }

func (GroupResourceLimitValidator) Validate(snapshot *schedulerobjects.SystemSnapshot, workload *schedulerobjects.SessionWorkload) error {
	policy, ok := snapshot.ResourcePolicy.ByGroup[workload.GroupID]
	if !ok {
		return nil
	}
	occupied := snapshot.ResourceOccupancy.ByGroup[workload.GroupID]
	return checkScopedQuota("group", string(workload.GroupID), policy, occupied, workload.RequestedSlots)
}

// DomainResourceLimitValidator applies the domain-level resource ceiling.
type DomainResourceLimitValidator struct{}

func (DomainResourceLimitValidator) Name() string { return "DomainResourceLimitValidator" }

func (DomainResourceLimitValidator) Validate(snapshot *schedulerobjects.SystemSnapshot, workload *schedulerobjects.SessionWorkload) error {
	policy, ok := snapshot.ResourcePolicy.ByDomain[workload.DomainName]
	if !ok {
		return nil
	}
	occupied := snapshot.ResourceOccupancy.ByDomain[workload.DomainName]
	return checkScopedQuota("domain", string(workload.DomainName), policy, occupied, workload.RequestedSlots)
}

func checkScopedQuota(scope, scopeID string, policy schedulerobjects.ResourcePolicy, occupied, requested schedulerobjects.ResourceSlot) error {
	for t, limit := range policy.TotalResourceSlots {
		projected := occupied.Get(t).Add(requested.Get(t))
		if projected.Cmp(limit) > 0 {
			return &schedulererrors.ErrResourceQuotaExceeded{
				Scope:     scope,
				ScopeID:   scopeID,
				SlotName:  t,
				Occupied:  occupied.Get(t).String(),
				Requested: requested.Get(t).String(),
				Limit:     limit.String(),
			}
		}
	}
	return nil
}
