package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrVersionConflict is returned by repositories when an update was based on
// a stale version of the aggregate.
var ErrVersionConflict = errors.New("version conflict")

// ID identifies orders, payments and event envelopes
type ID string

// GenerateUUID creates a new random ID
func GenerateUUID() ID {
	return ID(uuid.New().String())
}

// NewID creates an ID from a UUID string
func NewID(id string) (ID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", err
	}
	return ID(parsed.String()), nil
}

func (id ID) String() string {
	return string(id)
}

func (id ID) IsZero() bool {
	return id == ""
}

// Timestamps tracks creation and last update of an aggregate
type Timestamps struct {
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewTimestamps() Timestamps {
	now := time.Now().UTC()
	return Timestamps{
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch returns a copy with UpdatedAt moved to now
func (t Timestamps) Touch() Timestamps {
	t.UpdatedAt = time.Now().UTC()
	return t
}

// Version is the optimistic locking counter of an aggregate
type Version struct {
	Value int
}

func NewVersion() Version {
	return Version{Value: 1}
}

// Next returns the following version
func (v Version) Next() Version {
	v.Value++
	return v
}
