package logger

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStdLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LevelWarn)
	ctx := context.Background()

	l.Debug(ctx, "dropped")
	l.Info(ctx, "dropped")
	l.Warn(ctx, "kept")
	l.Error(ctx, errors.New("boom"), "kept too")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "[WARN] kept")
	assert.Contains(t, out, "[ERROR] kept too | error: boom")
}

func TestStdLogger_FieldsSortedByKey(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LevelDebug)

	l.Info(context.Background(), "msg", map[string]interface{}{
		"symbol": "BTCUSDT", "botID": "momentum_001", "qty": 0.5,
	})
	assert.Contains(t, buf.String(), "msg | botID=momentum_001 qty=0.5 symbol=BTCUSDT")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}
