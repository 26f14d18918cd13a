package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hexWallet = strings.Repeat("ab", 64)

func base58Wallet(prefix byte) string {
	payload := append([]byte{prefix}, bytes.Repeat([]byte{7}, 32)...)
	return base58.Encode(payload)
}

func baseEnv() map[string]string {
	return map[string]string{
		"MINER_POOL_IP":   "10.0.0.1",
		"MINER_POOL_PORT": "5503",
		"WALLET_ADDRESS":  hexWallet,
		"ENDPOINT":        "https://pool.example.com",
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(baseEnv())
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1", cfg.PoolIP)
	assert.Equal(t, 5503, cfg.PoolPort)
	assert.Equal(t, 0, cfg.Device)
	assert.Equal(t, 5*time.Second, cfg.Interval.Duration())
	assert.Equal(t, "0", cfg.OutputDir)
	assert.Equal(t, DefaultModelDir, cfg.ModelDir)
	assert.Equal(t, 2*time.Minute, cfg.PoolReadTimeout)
	assert.Equal(t, 2*time.Minute, cfg.UploadTimeout)
}

func TestParseOutputDirFollowsDevice(t *testing.T) {
	environment := baseEnv()
	environment["DEVICE"] = "3"

	cfg, err := Parse(environment)
	require.NoError(t, err)
	assert.Equal(t, "3", cfg.OutputDir)

	environment["OUTPUT_DIR"] = "/tmp/out"
	cfg, err = Parse(environment)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/out", cfg.OutputDir)
}

func TestParseMissingRequired(t *testing.T) {
	for _, key := range []string{"MINER_POOL_IP", "MINER_POOL_PORT", "WALLET_ADDRESS", "ENDPOINT"} {
		t.Run(key, func(t *testing.T) {
			environment := baseEnv()
			delete(environment, key)

			_, err := Parse(environment)
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestParseInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"port out of range": {"MINER_POOL_PORT", "70000"},
		"port not a number": {"MINER_POOL_PORT", "http"},
		"negative device":   {"DEVICE", "-1"},
		"endpoint scheme":   {"ENDPOINT", "ftp://pool.example.com"},
		"endpoint no host":  {"ENDPOINT", "pool"},
		"wallet":            {"WALLET_ADDRESS", "not-a-wallet"},
		"interval":          {"INTERVAL", "soon"},
		"negative interval": {"INTERVAL", "-5"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			environment := baseEnv()
			environment[kv[0]] = kv[1]

			_, err := Parse(environment)
			assert.Error(t, err)
		})
	}
}

func TestParseInterval(t *testing.T) {
	cases := map[string]time.Duration{
		"5":     5 * time.Second,
		"0":     0,
		"2.5":   2500 * time.Millisecond,
		"1m30s": 90 * time.Second,
		" 10 ":  10 * time.Second,
	}
	for input, expected := range cases {
		interval, err := ParseInterval(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected, interval.Duration(), input)
	}

	_, err := ParseInterval("")
	assert.Error(t, err)
}

func TestValidWalletAddress(t *testing.T) {
	assert.True(t, ValidWalletAddress(hexWallet))
	assert.True(t, ValidWalletAddress(strings.ToUpper(hexWallet)))
	assert.True(t, ValidWalletAddress(base58Wallet(42)))
	assert.True(t, ValidWalletAddress(base58Wallet(43)))

	assert.False(t, ValidWalletAddress(""))
	assert.False(t, ValidWalletAddress(hexWallet[:126]))
	assert.False(t, ValidWalletAddress(hexWallet+"ab"))
	assert.False(t, ValidWalletAddress(base58Wallet(41)))
	assert.False(t, ValidWalletAddress(base58.Encode([]byte{42, 1, 2, 3})))
	assert.False(t, ValidWalletAddress("0OIl"))
}

func TestLoadFlagsOverrideEnvFile(t *testing.T) {
	for key := range baseEnv() {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("INTERVAL", "")
	os.Unsetenv("INTERVAL")

	envFile := filepath.Join(t.TempDir(), ".env")
	content := "MINER_POOL_IP=10.0.0.1\nMINER_POOL_PORT=5503\nWALLET_ADDRESS=" + hexWallet + "\nENDPOINT=https://pool.example.com\nINTERVAL=7\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0644))

	cfg, err := Load("miner", []string{"--env", envFile, "--MINER_POOL_IP", "192.168.1.9", "--DEVICE", "1"})
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.9", cfg.PoolIP)
	assert.Equal(t, 5503, cfg.PoolPort)
	assert.Equal(t, 1, cfg.Device)
	assert.Equal(t, "1", cfg.OutputDir)
	assert.Equal(t, 7*time.Second, cfg.Interval.Duration())
}

func TestLoadMissingEnvFile(t *testing.T) {
	_, err := Load("miner", []string{"--env", filepath.Join(t.TempDir(), "missing.env")})
	assert.ErrorContains(t, err, "error loading env file")
}
