package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 1.5, cfg.Share.PickupKm)
	assert.Equal(t, 5*time.Minute, cfg.Share.OpenTimeout)
	assert.Equal(t, 30*time.Second, cfg.Share.SweepInterval)
	assert.Equal(t, int64(1000), cfg.Fare.PoolDiscountBP)
	assert.Equal(t, []string{"log"}, cfg.Notify.Sinks)
	assert.Equal(t, "platform", cfg.Wallet.PlatformOwner)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RIDEPOOL_HTTP_ADDR", ":9090")
	t.Setenv("RIDEPOOL_SHARE_OPEN_TIMEOUT", "2m")
	t.Setenv("RIDEPOOL_FARE_COMMISSION_BP", "1500")
	t.Setenv("RIDEPOOL_NOTIFY_SINKS", "log,kafka")
	t.Setenv("RIDEPOOL_NOTIFY_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Share.OpenTimeout)
	assert.Equal(t, int64(1500), cfg.Fare.CommissionBP)
	assert.Equal(t, []string{"log", "kafka"}, cfg.Notify.Sinks)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Notify.KafkaBrokers)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ridepool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  driver: postgres
db:
  dsn: postgres://u:p@db:5432/rides
share:
  fallback_dropoff_km: 8
`), 0o600))
	t.Setenv("RIDEPOOL_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://u:p@db:5432/rides", cfg.DB.DSN)
	assert.Equal(t, 8.0, cfg.Share.FallbackDropoffKm)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"RIDEPOOL_STORAGE_DRIVER":            "mongo",
		"RIDEPOOL_FARE_CANCEL_PENALTY_BP":    "12000",
		"RIDEPOOL_SHARE_FALLBACK_DROPOFF_KM": "3",
		"RIDEPOOL_NOTIFY_SINKS":              "pigeon",
		"RIDEPOOL_AUTH_ENABLED":              "true",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
