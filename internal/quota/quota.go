// Package quota implements the request/token quota enforcer from
// spec §4.I: rolling (hourly) and calendar (daily, monthly) usage
// windows with soft/hard limits, reset-on-read semantics, and a
// Prometheus denial counter.
package quota

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var quotaExceeded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pii_airlock_quota_exceeded_total",
		Help: "Total quota admission denials",
	},
	[]string{"tenant_id", "quota_type", "period"},
)

// Type is the quota dimension being counted.
type Type string

const (
	TypeRequests Type = "requests"
	TypeTokens   Type = "tokens"
)

// Period is the window cadence a limit resets on.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Limit is the configured ceiling for one (quota_type, period) pair.
// SoftLimitPercent triggers a warning log, not a denial; HardLimit
// denies admission once reached.
type Limit struct {
	Period           Period
	HardLimit        int64
	SoftLimitPercent float64
}

func (l Limit) softLimit() float64 {
	if l.SoftLimitPercent <= 0 {
		return float64(l.HardLimit)
	}
	return float64(l.HardLimit) * l.SoftLimitPercent
}

// TenantLimits is the full quota configuration for one tenant, keyed
// by quota type then period. A tenant absent from the Enforcer's
// configuration is implicitly unlimited, per spec §4.I.
type TenantLimits map[Type][]Limit

// usage is the live counter for one (tenant, quota_type, period).
type usage struct {
	current     int64
	windowStart time.Time
	windowEnd   time.Time
}

// Enforcer is the process-wide quota singleton. Safe for concurrent
// use; critical sections are bounded to map lookups/updates, no I/O
// under the lock.
type Enforcer struct {
	mu     sync.Mutex
	limits map[string]TenantLimits
	usages map[string]map[Type]map[Period]*usage

	now func() time.Time // overridable for tests
}

// NewEnforcer builds an Enforcer with per-tenant limits. Tenants not
// present in limits are unlimited.
func NewEnforcer(limits map[string]TenantLimits) *Enforcer {
	if limits == nil {
		limits = make(map[string]TenantLimits)
	}
	return &Enforcer{
		limits: limits,
		usages: make(map[string]map[Type]map[Period]*usage),
		now:    time.Now,
	}
}

// SetTenantLimits registers or replaces a tenant's quota configuration.
func (e *Enforcer) SetTenantLimits(tenantID string, limits TenantLimits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limits[tenantID] = limits
}

// Decision is the outcome of a CheckAndReserve call.
type Decision struct {
	Allowed bool
	Warned  bool
	Period  Period
}

// CheckAndReserve evaluates every configured period for (tenant,
// quotaType): resets any window whose end has passed, denies if any
// period would exceed its hard limit, and otherwise reserves amount
// against every period's counter, logging a warning when a counter passes
// its soft limit. A tenant with no configuration for quotaType is
// unconditionally allowed.
func (e *Enforcer) CheckAndReserve(tenantID string, quotaType Type, amount int64) Decision {
	// Runs after the deferred Unlock below, keeping the log write
	// outside the lock.
	var warned bool
	var warnedPeriod Period
	defer func() {
		if warned {
			slog.Warn("Quota soft limit exceeded", "tenant_id", tenantID, "quota_type", string(quotaType), "period", string(warnedPeriod))
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	limits, ok := e.limits[strings.TrimSpace(tenantID)][quotaType]
	if !ok || len(limits) == 0 {
		return Decision{Allowed: true}
	}

	now := e.now()
	tenantUsages := e.tenantUsagesLocked(tenantID)
	typeUsages := tenantUsages[quotaType]
	if typeUsages == nil {
		typeUsages = make(map[Period]*usage)
		tenantUsages[quotaType] = typeUsages
	}

	// First pass: reset expired windows and check hard limits.
	for _, limit := range limits {
		u := typeUsages[limit.Period]
		if u == nil || now.After(u.windowEnd) {
			u = &usage{current: 0, windowStart: now, windowEnd: windowEnd(now, limit.Period)}
			typeUsages[limit.Period] = u
		}
		if u.current+amount > limit.HardLimit {
			quotaExceeded.WithLabelValues(tenantID, string(quotaType), string(limit.Period)).Inc()
			return Decision{Allowed: false, Period: limit.Period}
		}
	}

	// Second pass: commit the reservation and flag any soft-limit warning.
	for _, limit := range limits {
		u := typeUsages[limit.Period]
		u.current += amount
		if float64(u.current) > limit.softLimit() {
			warned = true
			warnedPeriod = limit.Period
		}
	}

	return Decision{Allowed: true, Warned: warned, Period: warnedPeriod}
}

// Usage returns the current counter and window for (tenant, quotaType,
// period), resetting the window first if it has expired. The second
// return is false if the tenant has no configured limit for that pair.
func (e *Enforcer) Usage(tenantID string, quotaType Type, period Period) (current int64, windowStart, windowEnd time.Time, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	limits := e.limits[tenantID][quotaType]
	var limit *Limit
	for i := range limits {
		if limits[i].Period == period {
			limit = &limits[i]
			break
		}
	}
	if limit == nil {
		return 0, time.Time{}, time.Time{}, false
	}

	now := e.now()
	tenantUsages := e.tenantUsagesLocked(tenantID)
	typeUsages := tenantUsages[quotaType]
	if typeUsages == nil {
		typeUsages = make(map[Period]*usage)
		tenantUsages[quotaType] = typeUsages
	}
	u := typeUsages[period]
	if u == nil || now.After(u.windowEnd) {
		u = &usage{current: 0, windowStart: now, windowEnd: windowEndFn(now, period)}
		typeUsages[period] = u
	}
	return u.current, u.windowStart, u.windowEnd, true
}

func (e *Enforcer) tenantUsagesLocked(tenantID string) map[Type]map[Period]*usage {
	tu, ok := e.usages[tenantID]
	if !ok {
		tu = make(map[Type]map[Period]*usage)
		e.usages[tenantID] = tu
	}
	return tu
}

// windowEnd computes the next boundary for period starting at now:
// hourly is a rolling now+3600s window, daily resets at the next UTC
// midnight, monthly at the next UTC month-end.
func windowEnd(now time.Time, period Period) time.Time {
	return windowEndFn(now, period)
}

func windowEndFn(now time.Time, period Period) time.Time {
	switch period {
	case PeriodHourly:
		return now.Add(time.Hour)
	case PeriodDaily:
		u := now.UTC()
		midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
		return midnight.AddDate(0, 0, 1)
	case PeriodMonthly:
		u := now.UTC()
		// time.Date normalizes a month argument past December, so this
		// rolls over into the following year on its own; the result is
		// midnight UTC on the first of next month, the exclusive end of
		// this month's window, without a calendar table.
		monthEnd := time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		return monthEnd
	default:
		return now.Add(time.Hour)
	}
}
