package models

import (
	"strings"

	"gorm.io/gorm"
)

// ProfileMode selects how a stream URL is delivered.
type ProfileMode string

const (
	// ProfileModeProxy relays the provider bytes unchanged.
	ProfileModeProxy ProfileMode = "proxy"
	// ProfileModeTranscode pipes the provider URL through an external process.
	ProfileModeTranscode ProfileMode = "transcode"
	// ProfileModeRedirect answers the client with a redirect to the provider URL.
	ProfileModeRedirect ProfileMode = "redirect"
)

// Profile is a named transform applied to a provider URL with its own
// concurrency cap.
type Profile struct {
	BaseModel `yaml:",inline"`

	// AccountID scopes the profile to one account; 0 makes it usable by any account.
	AccountID int64 `gorm:"index" json:"account_id" yaml:"account_id"`

	Name      string      `gorm:"not null;size:255" json:"name" yaml:"name"`
	Mode      ProfileMode `gorm:"not null;size:20;default:'proxy'" json:"mode" yaml:"mode"`
	IsDefault bool        `gorm:"not null;default:false" json:"is_default" yaml:"is_default"`
	Enabled   *bool       `gorm:"default:true" json:"enabled" yaml:"enabled"`

	// MaxStreams is the concurrent stream cap for this profile; 0 means unlimited.
	MaxStreams int `gorm:"not null;default:0" json:"max_streams" yaml:"max_streams"`

	// SearchPattern and ReplacePattern rewrite the provider URL before it is opened.
	SearchPattern  string `gorm:"size:1024" json:"search_pattern,omitempty" yaml:"search_pattern"`
	ReplacePattern string `gorm:"size:1024" json:"replace_pattern,omitempty" yaml:"replace_pattern"`

	// Command and Args form the transcoder invocation. Args may reference
	// {streamUrl} and {userAgent}.
	Command string `gorm:"size:512" json:"command,omitempty" yaml:"command"`
	Args    string `gorm:"type:text" json:"args,omitempty" yaml:"args"`
}

// TableName returns the table name for Profile.
func (Profile) TableName() string {
	return "stream_profiles"
}

// IsEnabled reports whether the profile may be selected.
func (p *Profile) IsEnabled() bool {
	return BoolVal(p.Enabled)
}

// IsGlobal reports whether the profile applies to every account.
func (p *Profile) IsGlobal() bool {
	return p.AccountID == 0
}

// Validate performs basic validation on the profile.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return ErrNameRequired
	}
	switch p.Mode {
	case "":
		p.Mode = ProfileModeProxy
	case ProfileModeProxy, ProfileModeRedirect:
	case ProfileModeTranscode:
		if strings.TrimSpace(p.Command) == "" {
			return ErrCommandRequired
		}
	default:
		return ErrInvalidProfileMode
	}
	if p.MaxStreams < 0 {
		return ErrValidation{Field: "max_streams", Message: "must not be negative"}
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the record.
func (p *Profile) BeforeCreate(_ *gorm.DB) error {
	return p.Validate()
}

// BeforeUpdate is a GORM hook that validates the record.
func (p *Profile) BeforeUpdate(_ *gorm.DB) error {
	return p.Validate()
}
