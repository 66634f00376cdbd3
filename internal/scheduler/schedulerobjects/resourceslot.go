package schedulerobjects

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ResourceSlot is a vector of named resource quantities, e.g.,
// {"cpu": 8, "mem": 16384, "cuda.shares": 0.5}.
// Quantities are arbitrary-precision decimals so that fractional device
// shares survive arithmetic and serialisation exactly.
//
// ResourceSlot is a value type: keys missing from either operand are treated
// as zero, and all operations return a new instance without mutating their
// receiver or arguments.
type ResourceSlot map[string]decimal.Decimal

// NewResourceSlot parses a map of string quantities into a ResourceSlot.
func NewResourceSlot(quantities map[string]string) (ResourceSlot, error) {
	rv := make(ResourceSlot, len(quantities))
	for t, s := range quantities {
		q, err := decimal.NewFromString(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid quantity %q for slot %q", s, t)
		}
		rv[t] = q
	}
	return rv, nil
}

// MustParseResourceSlot is a test and fixture helper that panics on malformed quantities.
func MustParseResourceSlot(quantities map[string]string) ResourceSlot {
	rv, err := NewResourceSlot(quantities)
	if err != nil {
		panic(err)
	}
	return rv
}

// Get returns the quantity for slot t, or zero if t is absent.
func (a ResourceSlot) Get(t string) decimal.Decimal {
	if a == nil {
		return decimal.Zero
	}
	return a[t]
}

func (a ResourceSlot) DeepCopy() ResourceSlot {
	if a == nil {
		return nil
	}
	rv := make(ResourceSlot, len(a))
	for t, q := range a {
		rv[t] = q
	}
	return rv
}

// Add returns the elementwise sum of a and b over the union of their keys.
func (a ResourceSlot) Add(b ResourceSlot) ResourceSlot {
	rv := a.DeepCopy()
	if rv == nil {
		rv = make(ResourceSlot, len(b))
	}
	for t, qb := range b {
		rv[t] = rv.Get(t).Add(qb)
	}
	return rv
}

// Sub returns the elementwise difference of a and b over the union of their keys.
func (a ResourceSlot) Sub(b ResourceSlot) ResourceSlot {
	rv := a.DeepCopy()
	if rv == nil {
		rv = make(ResourceSlot, len(b))
	}
	for t, qb := range b {
		rv[t] = rv.Get(t).Sub(qb)
	}
	return rv
}

// SyncKeys returns copies of a and b that expose the same key set,
// with zeros filled in for keys present in only one operand.
func (a ResourceSlot) SyncKeys(b ResourceSlot) (ResourceSlot, ResourceSlot) {
	ra := a.DeepCopy()
	rb := b.DeepCopy()
	if ra == nil {
		ra = make(ResourceSlot, len(b))
	}
	if rb == nil {
		rb = make(ResourceSlot, len(a))
	}
	for t := range rb {
		if _, ok := ra[t]; !ok {
			ra[t] = decimal.Zero
		}
	}
	for t := range ra {
		if _, ok := rb[t]; !ok {
			rb[t] = decimal.Zero
		}
	}
	return ra, rb
}

// LessOrEqual returns true if a[t] <= b[t] for every slot t,
// treating absent slots as zero.
func (a ResourceSlot) LessOrEqual(b ResourceSlot) bool {
	for t, qa := range a {
		if qa.Cmp(b.Get(t)) > 0 {
			return false
		}
	}
	for t, qb := range b {
		if a.Get(t).Cmp(qb) > 0 {
			return false
		}
	}
	return true
}

func (a ResourceSlot) GreaterOrEqual(b ResourceSlot) bool {
	return b.LessOrEqual(a)
}

func (a ResourceSlot) Equal(b ResourceSlot) bool {
	for t, qa := range a {
		if qa.Cmp(b.Get(t)) != 0 {
			return false
		}
	}
	for t, qb := range b {
		if qb.Cmp(a.Get(t)) != 0 {
			return false
		}
	}
	return true
}

// IsZero returns true if all quantities in a are zero.
func (a ResourceSlot) IsZero() bool {
	for _, q := range a {
		if !q.IsZero() {
			return false
		}
	}
	return true
}

// IsStrictlyNonNegative returns true if there is no quantity in a less than zero.
func (a ResourceSlot) IsStrictlyNonNegative() bool {
	for _, q := range a {
		if q.IsNegative() {
			return false
		}
	}
	return true
}

// MaxOver returns the largest ratio a[t] / capacity[t] over the slots of
// capacity, skipping slots with zero capacity. Used for dominant-share
// computations.
func (a ResourceSlot) MaxOver(capacity ResourceSlot) float64 {
	var rv float64
	for t, total := range capacity {
		if total.IsZero() {
			continue
		}
		share, _ := a.Get(t).Div(total).Float64()
		if share > rv {
			rv = share
		}
	}
	return rv
}

// MulFloat returns a scaled elementwise by f.
func (a ResourceSlot) MulFloat(f float64) ResourceSlot {
	rv := make(ResourceSlot, len(a))
	factor := decimal.NewFromFloat(f)
	for t, q := range a {
		rv[t] = q.Mul(factor)
	}
	return rv
}

// AsStringMap returns the slot quantities as exact decimal strings,
// suitable for storing in redis hashes.
func (a ResourceSlot) AsStringMap() map[string]string {
	rv := make(map[string]string, len(a))
	for t, q := range a {
		rv[t] = q.String()
	}
	return rv
}

// SlotNames returns the slot type names in lexicographic order.
func (a ResourceSlot) SlotNames() []string {
	rv := make([]string, 0, len(a))
	for t := range a {
		rv = append(rv, t)
	}
	sort.Strings(rv)
	return rv
}

func (a ResourceSlot) CompactString() string {
	types := make([]string, 0, len(a))
	for t := range a {
		types = append(types, t)
	}
	sort.Strings(types)
	var sb strings.Builder
	sb.WriteString("{")
	for i, t := range types {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%s: %s", t, a[t].String()))
	}
	sb.WriteString("}")
	return sb.String()
}
