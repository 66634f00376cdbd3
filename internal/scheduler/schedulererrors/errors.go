// Package schedulererrors contains the typed errors surfaced by the
// scheduling pipeline. The surrounding service layer inspects these with
// errors.As to decide whether a failure is scoped to one session (the session
// stays pending with the reason attached), retryable (allocation conflicts),
// or fatal for the whole pass (infrastructure errors).
//
// If multiple errors occur in some function (e.g., when rolling back several
// kernel commits), that function should return an error of type
// multierror.Error from github.com/hashicorp/go-multierror that encapsulates
// those individual errors.
package schedulererrors

import (
	"fmt"

	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// ErrKeypairResourceQuotaExceeded occurs when admitting a session would push
// a keypair's occupancy over its policy ceiling for some slot.
type ErrKeypairResourceQuotaExceeded struct {
	AccessKey schedulerobjects.AccessKey
	SlotName  string
	Occupied  string
	Requested string
	Limit     string
}

func (err *ErrKeypairResourceQuotaExceeded) Error() string {
	return fmt.Sprintf(
		"keypair %s resource quota exceeded for slot %s (occupied %s + requested %s > limit %s)",
		err.AccessKey, err.SlotName, err.Occupied, err.Requested, err.Limit,
	)
}

// ErrResourceQuotaExceeded is the user/group/domain-scoped variant of
// ErrKeypairResourceQuotaExceeded. Scope is "user", "group" or "domain".
type ErrResourceQuotaExceeded struct {
	Scope     string
	ScopeID   string
	SlotName  string
	Occupied  string
	Requested string
	Limit     string
}

func (err *ErrResourceQuotaExceeded) Error() string {
	return fmt.Sprintf(
		"%s %s resource quota exceeded for slot %s (occupied %s + requested %s > limit %s)",
		err.Scope, err.ScopeID, err.SlotName, err.Occupied, err.Requested, err.Limit,
	)
}

// ErrPendingSessionCountLimitExceeded occurs when a keypair already has as
// many pending sessions as its policy allows. The configured limit is part
// of the message so users can see what they ran into.
type ErrPendingSessionCountLimitExceeded struct {
	AccessKey schedulerobjects.AccessKey
	Pending   int
	Limit     int
}

func (err *ErrPendingSessionCountLimitExceeded) Error() string {
	return fmt.Sprintf(
		"keypair %s has %d pending sessions, exceeding the limit of %d",
		err.AccessKey, err.Pending, err.Limit,
	)
}

// ErrPendingSessionResourceLimitExceeded occurs when the aggregate resource
// request of a keypair's pending sessions would exceed its policy cap.
type ErrPendingSessionResourceLimitExceeded struct {
	AccessKey schedulerobjects.AccessKey
	SlotName  string
	Pending   string
	Requested string
	Limit     string
}

func (err *ErrPendingSessionResourceLimitExceeded) Error() string {
	return fmt.Sprintf(
		"keypair %s pending resource limit exceeded for slot %s (pending %s + requested %s > limit %s)",
		err.AccessKey, err.SlotName, err.Pending, err.Requested, err.Limit,
	)
}

// ErrConcurrencyLimitExceeded occurs when a keypair is already running its
// maximum number of concurrent sessions. Kind is "session" or "sftp-session".
type ErrConcurrencyLimitExceeded struct {
	AccessKey schedulerobjects.AccessKey
	Kind      string
	Active    int
	Limit     int
}

func (err *ErrConcurrencyLimitExceeded) Error() string {
	return fmt.Sprintf(
		"keypair %s has %d active %ss, exceeding the limit of %d",
		err.AccessKey, err.Active, err.Kind, err.Limit,
	)
}

// ErrUnsatisfiedDependencies occurs when a session depends on sessions that
// have not yet finished.
type ErrUnsatisfiedDependencies struct {
	SessionID schedulerobjects.SessionID
	Pending   []string
}

func (err *ErrUnsatisfiedDependencies) Error() string {
	return fmt.Sprintf("session %s is waiting on dependencies %v", err.SessionID, err.Pending)
}

// ErrKernelArchitectureMismatch occurs when a single-node session's kernels
// require different CPU architectures and can therefore never be placed on
// one agent. This is a user-caused, non-retryable validation failure.
type ErrKernelArchitectureMismatch struct {
	SessionID     schedulerobjects.SessionID
	Architectures []string
}

func (err *ErrKernelArchitectureMismatch) Error() string {
	return fmt.Sprintf(
		"cannot aggregate kernels of single-node session %s: kernels require different architectures %v",
		err.SessionID, err.Architectures,
	)
}

// ErrAllocationConflict occurs when an occupancy commit loses a capacity race
// against a concurrent pass. The session returns to pending and the attempt
// is not charged against its retry counter.
type ErrAllocationConflict struct {
	AgentID schedulerobjects.AgentID
	Message string
}

func (err *ErrAllocationConflict) Error() string {
	s := fmt.Sprintf("allocation conflict on agent %s", err.AgentID)
	if err.Message != "" {
		s += "; " + err.Message
	}
	return s
}

// ErrStaleSession occurs when a session disappeared (cancelled or removed)
// between snapshot build and allocation commit. Callers treat it as a skip.
type ErrStaleSession struct {
	SessionID schedulerobjects.SessionID
}

func (err *ErrStaleSession) Error() string {
	return fmt.Sprintf("session %s no longer pending at commit time", err.SessionID)
}

// ErrUnknownScalingGroup occurs when a pass is requested for a scaling group
// the repository has no metadata for.
type ErrUnknownScalingGroup struct {
	ScalingGroup schedulerobjects.ScalingGroup
}

func (err *ErrUnknownScalingGroup) Error() string {
	return fmt.Sprintf("unknown scaling group %s", err.ScalingGroup)
}

// ErrLostLeadership occurs when the scheduler's leadership lease expires
// mid-pass. The pass is aborted without partial commits and retried on the
// next trigger.
type ErrLostLeadership struct {
	ScalingGroup schedulerobjects.ScalingGroup
}

func (err *ErrLostLeadership) Error() string {
	return fmt.Sprintf("lost scheduling leadership for scaling group %s", err.ScalingGroup)
}
