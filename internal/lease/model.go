package lease

import "time"

// Lease records a time-bounded exclusive edit claim on one scheme. At most
// one row exists per scheme identifier; the row is the single source of
// truth, there is no in-process cache.
type Lease struct {
	SchemeID          string `gorm:"column:scheme_id;primaryKey;size:190;not null"`
	Holder            string `gorm:"column:holder;size:190;not null"`
	AcquiredAtSeconds int64  `gorm:"column:acquired_at_s;not null"`
	RenewedAtSeconds  int64  `gorm:"column:renewed_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Lease) TableName() string {
	return "scheme_leases"
}

// Active reports whether the lease is still live at the given instant. A
// lease older than the TTL is abandoned and may be reclaimed by anyone.
func (l Lease) Active(now time.Time, ttl time.Duration) bool {
	renewedAt := time.Unix(l.RenewedAtSeconds, 0)
	return now.Sub(renewedAt) <= ttl
}

// Acquisition reports the outcome of a TryAcquire call.
type Acquisition struct {
	Granted bool
	// Holder identifies who holds the lease after the call: the caller on a
	// grant, the competing actor on a denial.
	Holder            string
	AcquiredAtSeconds int64
	RenewedAtSeconds  int64
}

// View is the read-only lease state exposed for UI display.
type View struct {
	Held              bool
	Holder            string
	AcquiredAtSeconds int64
	RenewedAtSeconds  int64
}
