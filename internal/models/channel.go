package models

import (
	"strconv"
	"strings"

	"gorm.io/gorm"
)

// Stream is one concrete provider URL belonging to an account.
type Stream struct {
	BaseModel `yaml:",inline"`

	Name      string `gorm:"size:512" json:"name" yaml:"name"`
	URL       string `gorm:"not null;type:text" json:"url" yaml:"url"`
	AccountID int64  `gorm:"not null;index" json:"account_id" yaml:"account_id"`

	// ProfileID pins the stream to a profile; 0 expands to every profile of the account.
	ProfileID int64 `gorm:"index" json:"profile_id,omitempty" yaml:"profile_id"`
}

// TableName returns the table name for Stream.
func (Stream) TableName() string {
	return "streams"
}

// Validate performs basic validation on the stream.
func (s *Stream) Validate() error {
	if strings.TrimSpace(s.URL) == "" {
		return ErrURLRequired
	}
	if s.AccountID == 0 {
		return ErrAccountIDRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the record.
func (s *Stream) BeforeCreate(_ *gorm.DB) error {
	return s.Validate()
}

// Channel is the user-facing channel identity.
type Channel struct {
	BaseModel `yaml:",inline"`

	UUID   string  `gorm:"uniqueIndex;size:36" json:"uuid,omitempty" yaml:"uuid"`
	Number float64 `json:"number" yaml:"number"`
	Name   string  `gorm:"not null;size:512" json:"name" yaml:"name"`

	Streams []ChannelStream `gorm:"foreignKey:ChannelID" json:"streams,omitempty" yaml:"-"`
}

// TableName returns the table name for Channel.
func (Channel) TableName() string {
	return "channels"
}

// Key returns the identifier sessions are keyed by: the UUID when present,
// otherwise the numeric ID.
func (c *Channel) Key() string {
	if c.UUID != "" {
		return c.UUID
	}
	return strconv.FormatInt(c.ID, 10)
}

// Validate performs basic validation on the channel.
func (c *Channel) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrNameRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the record.
func (c *Channel) BeforeCreate(_ *gorm.DB) error {
	return c.Validate()
}

// ChannelStream orders a channel's candidate streams.
type ChannelStream struct {
	ChannelID int64 `gorm:"primaryKey" json:"channel_id" yaml:"channel_id"`
	StreamID  int64 `gorm:"primaryKey" json:"stream_id" yaml:"stream_id"`
	Order     int   `gorm:"column:sort_order;not null;default:0" json:"order" yaml:"order"`
}

// TableName returns the table name for ChannelStream.
func (ChannelStream) TableName() string {
	return "channel_streams"
}
