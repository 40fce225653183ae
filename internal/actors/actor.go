package actors

import "time"

// Record captures one free-text actor claim seen by the service. Names are
// taken at face value; nothing verifies that two sessions claiming the same
// name belong to the same person.
type Record struct {
	Name        string    `gorm:"column:name;primaryKey;size:190;not null"`
	FirstSeenAt time.Time `gorm:"column:first_seen_at;autoCreateTime"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;not null"`
}

// TableName exposes the table backing actor records.
func (Record) TableName() string {
	return "actors"
}
