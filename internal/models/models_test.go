package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableNames(t *testing.T) {
	assert.Equal(t, "provider_accounts", Account{}.TableName())
	assert.Equal(t, "stream_profiles", Profile{}.TableName())
	assert.Equal(t, "streams", Stream{}.TableName())
	assert.Equal(t, "channels", Channel{}.TableName())
	assert.Equal(t, "channel_streams", ChannelStream{}.TableName())
	assert.Len(t, All(), 5)
}

func TestAccount_Validate(t *testing.T) {
	tests := []struct {
		name    string
		account Account
		wantErr error
	}{
		{"valid", Account{Name: "primary", MaxConnections: 2}, nil},
		{"missing name", Account{Name: "  "}, ErrNameRequired},
		{"bad hint", Account{Name: "a", ProtocolHint: "ftp"}, ErrInvalidProtocolHint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.account.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	negative := Account{Name: "a", MaxConnections: -1}
	var verr ErrValidation
	require.ErrorAs(t, negative.Validate(), &verr)
	assert.Equal(t, "max_connections", verr.Field)
}

func TestAccount_IsEnabled(t *testing.T) {
	assert.True(t, (&Account{}).IsEnabled())
	assert.True(t, (&Account{Enabled: BoolPtr(true)}).IsEnabled())
	assert.False(t, (&Account{Enabled: BoolPtr(false)}).IsEnabled())
}

func TestProfile_Validate(t *testing.T) {
	p := Profile{Name: "default"}
	require.NoError(t, p.Validate())
	assert.Equal(t, ProfileModeProxy, p.Mode, "empty mode defaults to proxy")

	transcode := Profile{Name: "ffmpeg", Mode: ProfileModeTranscode}
	assert.ErrorIs(t, transcode.Validate(), ErrCommandRequired)

	transcode.Command = "ffmpeg"
	assert.NoError(t, transcode.Validate())

	bad := Profile{Name: "x", Mode: "weird"}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidProfileMode)

	assert.True(t, (&Profile{}).IsGlobal())
	assert.False(t, (&Profile{AccountID: 3}).IsGlobal())
}

func TestStream_Validate(t *testing.T) {
	assert.ErrorIs(t, (&Stream{AccountID: 1}).Validate(), ErrURLRequired)
	assert.ErrorIs(t, (&Stream{URL: "http://x"}).Validate(), ErrAccountIDRequired)
	assert.NoError(t, (&Stream{URL: "http://x", AccountID: 1}).Validate())
}

func TestChannel_Key(t *testing.T) {
	c := Channel{BaseModel: BaseModel{ID: 42}}
	assert.Equal(t, "42", c.Key())

	c.UUID = "0b6c5f0e-7d1a-4e5e-9d4a-111111111111"
	assert.Equal(t, c.UUID, c.Key())
}
