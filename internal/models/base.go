// Package models defines the GORM records the proxy reads its catalog from:
// provider accounts, stream profiles, streams and channels.
package models

import (
	"time"
)

// BoolPtr returns a pointer to a bool value.
// Useful for setting *bool fields in structs.
func BoolPtr(b bool) *bool {
	return &b
}

// BoolVal returns the value of a bool pointer, defaulting to true if nil.
// This matches GORM's default:true behavior for optional bool fields.
func BoolVal(b *bool) bool {
	return b == nil || *b
}

// BaseModel provides the integer key and timestamps shared by every record.
type BaseModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id" yaml:"id"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// GetID returns the record identifier.
func (b *BaseModel) GetID() int64 {
	return b.ID
}

// All returns every model the catalog reads, in dependency order.
func All() []any {
	return []any{
		&Account{},
		&Profile{},
		&Stream{},
		&Channel{},
		&ChannelStream{},
	}
}
