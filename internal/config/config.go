package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/mr-tron/base58"
)

const DefaultModelDir = "amajicmixRealistic_v7"

// Config is read once at startup and passed by value afterwards.
type Config struct {
	PoolIP        string   `env:"MINER_POOL_IP,required,notEmpty"`
	PoolPort      int      `env:"MINER_POOL_PORT,required,notEmpty"`
	WalletAddress string   `env:"WALLET_ADDRESS,required,notEmpty"`
	Endpoint      string   `env:"ENDPOINT,required,notEmpty"`
	Device        int      `env:"DEVICE" envDefault:"0"`
	Interval      Interval `env:"INTERVAL" envDefault:"5"`

	// OutputDir defaults to the device index so several workers on one host
	// keep their artifacts apart.
	OutputDir        string        `env:"OUTPUT_DIR"`
	ModelDir         string        `env:"MODEL_DIR" envDefault:"amajicmixRealistic_v7"`
	OnnxRuntimeDylib string        `env:"ONNX_RUNTIME_DYLIB"`
	PoolReadTimeout  time.Duration `env:"POOL_READ_TIMEOUT" envDefault:"2m"`
	UploadTimeout    time.Duration `env:"UPLOAD_TIMEOUT" envDefault:"2m"`
	LogFile          string        `env:"LOG_FILE"`
}

// Interval is a duration that also accepts a bare number of seconds.
type Interval time.Duration

func ParseInterval(s string) (Interval, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("interval must not be negative: %s", s)
		}
		return Interval(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("interval must not be negative: %s", s)
	}
	return Interval(d), nil
}

func (i *Interval) UnmarshalText(text []byte) error {
	parsed, err := ParseInterval(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

func (i Interval) Duration() time.Duration {
	return time.Duration(i)
}

func (i Interval) String() string {
	return time.Duration(i).String()
}

// flagged lists the options that can also be given on the command line. The
// flag names match the environment variables.
var flagged = []struct {
	name  string
	usage string
}{
	{"MINER_POOL_IP", "IP address of the miner pool"},
	{"MINER_POOL_PORT", "port of the miner pool"},
	{"WALLET_ADDRESS", "wallet address for the miner"},
	{"ENDPOINT", "pool upload endpoint"},
	{"DEVICE", "GPU device index"},
	{"INTERVAL", "wait between cycles, e.g. 5 or 1m30s"},
	{"OUTPUT_DIR", "directory for generated images"},
	{"MODEL_DIR", "directory holding the exported model"},
}

// Load builds the configuration from, in increasing priority: the process
// environment, the optional --env file and the command line flags.
func Load(name string, args []string) (Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	envFile := fs.String("env", "", "path to load env from")
	for _, f := range flagged {
		fs.String(f.name, "", f.usage)
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *envFile != "" {
		slog.Info("loading env from file", "path", *envFile)
		if err := godotenv.Load(*envFile); err != nil {
			return Config{}, fmt.Errorf("error loading env file '%s': %w", *envFile, err)
		}
	}

	environment := env.ToMap(os.Environ())
	fs.Visit(func(f *flag.Flag) {
		if f.Name != "env" {
			environment[f.Name] = f.Value.String()
		}
	})

	return Parse(environment)
}

// Parse reads the configuration from an explicit environment map.
func Parse(environment map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment}); err != nil {
		return Config{}, fmt.Errorf("error parsing config: %w", err)
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = strconv.Itoa(cfg.Device)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.PoolPort <= 0 || c.PoolPort > 65535 {
		errs = append(errs, fmt.Errorf("MINER_POOL_PORT out of range: %d", c.PoolPort))
	}
	if c.Device < 0 {
		errs = append(errs, fmt.Errorf("DEVICE must not be negative: %d", c.Device))
	}
	if u, err := url.Parse(c.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("ENDPOINT must be an http(s) URL: %q", c.Endpoint))
	}
	if !ValidWalletAddress(c.WalletAddress) {
		errs = append(errs, fmt.Errorf("invalid WALLET_ADDRESS: %q", c.WalletAddress))
	}
	if c.PoolReadTimeout < 0 || c.UploadTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	return errors.Join(errs...)
}

const (
	hexAddressLength    = 128
	base58AddressLength = 33
)

// ValidWalletAddress accepts a 128 character hex public key, or a base58
// address of 33 bytes whose first byte is 42 or 43. A string that parses as
// hex is never retried as base58.
func ValidWalletAddress(address string) bool {
	if _, err := hex.DecodeString(address); err == nil {
		return len(address) == hexAddressLength
	}
	decoded, err := base58.Decode(address)
	if err != nil || len(decoded) != base58AddressLength {
		return false
	}
	return decoded[0] == 42 || decoded[0] == 43
}
