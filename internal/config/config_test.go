package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBackoff(t *testing.T) {
	got, err := ParseBackoff("1m,5m,30m,2h,12h")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{
		time.Minute, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour, 12 * time.Hour,
	}, got)

	// 空白与尾逗号容忍
	got, err = ParseBackoff(" 10s , 1m ,")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{10 * time.Second, time.Minute}, got)
}

func TestParseBackoffInvalid(t *testing.T) {
	_, err := ParseBackoff("")
	assert.Error(t, err)

	_, err = ParseBackoff("1m,banana")
	assert.Error(t, err)

	_, err = ParseBackoff("-5m")
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	// 清空关键变量，验证默认值与退避表
	for _, k := range []string{"HTTP_ADDR", "RETRY_BACKOFF", "POLL_INTERVAL_SEC",
		"MAX_CONCURRENT_ORDERS", "STALL_THRESHOLD_HOUR", "KAFKA_BROKERS"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, int64(20), cfg.MaxConcurrentOrders)
	assert.Equal(t, 24*time.Hour, cfg.StallThreshold)
	assert.Len(t, cfg.RetryBackoff, 5)
	assert.Equal(t, time.Minute, cfg.RetryBackoff[0])
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("RETRY_BACKOFF", "1m,oops")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("RETRY_BACKOFF", "1m")
	t.Setenv("POLL_INTERVAL_SEC", "0")
	_, err = Load()
	assert.Error(t, err)
}
