package schedulerobjects

import (
	"time"
)

// ScopeType identifies which tenancy level a fair-share record refers to.
type ScopeType string

const (
	ScopeDomain  ScopeType = "domain"
	ScopeProject ScopeType = "project"
	ScopeUser    ScopeType = "user"
)

// UsageBucketEntry is one append-only usage increment: usage-seconds consumed
// by a scope for one slot type within one accounting period. Entries are
// never overwritten; decayed usage is derived from them at read time.
type UsageBucketEntry struct {
	ScopeType     ScopeType    `json:"scope_type"`
	ScopeID       string       `json:"scope_id"`
	ResourceGroup ScalingGroup `json:"resource_group"`
	Period        time.Time    `json:"period"`
	SlotName      string       `json:"slot_name"`
	UsageSeconds  float64      `json:"usage_seconds"`
}
