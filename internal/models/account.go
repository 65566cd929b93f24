package models

import (
	"strings"

	"gorm.io/gorm"
)

// ProtocolHint tells the fetcher which transport an account's URLs use when
// the URL scheme alone is not conclusive.
type ProtocolHint string

const (
	ProtocolAuto ProtocolHint = ""
	ProtocolHTTP ProtocolHint = "http"
	ProtocolRTSP ProtocolHint = "rtsp"
	ProtocolUDP  ProtocolHint = "udp"
)

// Account is an upstream IPTV provider credential with its own concurrency cap.
type Account struct {
	BaseModel `yaml:",inline"`

	Name string `gorm:"not null;size:255" json:"name" yaml:"name"`

	// Priority orders accounts during selection; lower is preferred.
	Priority int `gorm:"not null;default:0;index" json:"priority" yaml:"priority"`

	// Enabled defaults to true when nil.
	Enabled *bool `gorm:"default:true" json:"enabled" yaml:"enabled"`

	// MaxConnections is the concurrent stream cap; 0 means unlimited.
	MaxConnections int `gorm:"not null;default:0" json:"max_connections" yaml:"max_connections"`

	ProtocolHint ProtocolHint `gorm:"size:10" json:"protocol_hint,omitempty" yaml:"protocol_hint"`
	UserAgent    string       `gorm:"size:512" json:"user_agent,omitempty" yaml:"user_agent"`

	Username string `gorm:"size:255" json:"username,omitempty" yaml:"username"`
	Password string `gorm:"size:255" json:"-" yaml:"password"`
}

// TableName returns the table name for Account.
func (Account) TableName() string {
	return "provider_accounts"
}

// IsEnabled reports whether the account may be selected.
func (a *Account) IsEnabled() bool {
	return BoolVal(a.Enabled)
}

// Validate performs basic validation on the account.
func (a *Account) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return ErrNameRequired
	}
	if a.MaxConnections < 0 {
		return ErrValidation{Field: "max_connections", Message: "must not be negative"}
	}
	switch a.ProtocolHint {
	case ProtocolAuto, ProtocolHTTP, ProtocolRTSP, ProtocolUDP:
	default:
		return ErrInvalidProtocolHint
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the record.
func (a *Account) BeforeCreate(_ *gorm.DB) error {
	return a.Validate()
}

// BeforeUpdate is a GORM hook that validates the record.
func (a *Account) BeforeUpdate(_ *gorm.DB) error {
	return a.Validate()
}
