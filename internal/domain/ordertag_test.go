package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOrderTag(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    OrderTag
		wantErr bool
	}{
		{
			name:  "full tag",
			input: "shortseller_001:take_profit:1678886700",
			want:  OrderTag{BotID: "shortseller_001", Reason: "take_profit", Timestamp: "1678886700"},
		},
		{
			name:  "legacy tag without timestamp",
			input: "momentum_001:entry",
			want:  OrderTag{BotID: "momentum_001", Reason: "entry"},
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "no separator",
			input:   "not-a-tag",
			wantErr: true,
		},
		{
			name:    "empty bot id",
			input:   ":entry:123",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOrderTag(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrUnparseableTag)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatOrderTag(t *testing.T) {
	now := time.Unix(1678886400, 0)
	tag := FormatOrderTag("lxalgo_001", "trailing_stop", now)
	assert.Equal(t, "lxalgo_001:trailing_stop:1678886400", tag)

	parsed, err := ParseOrderTag(tag)
	require.NoError(t, err)
	assert.Equal(t, "lxalgo_001", parsed.BotID)
	assert.Equal(t, "trailing_stop", parsed.Reason)
}

func TestIsEntryReason(t *testing.T) {
	assert.True(t, IsEntryReason(ReasonEntry))
	assert.True(t, IsEntryReason(ReasonScaleIn))
	assert.False(t, IsEntryReason("take_profit"))
	assert.False(t, IsEntryReason(ReasonBackfilledClose))
}
