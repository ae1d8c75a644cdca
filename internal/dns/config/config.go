package config

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// AppConfig holds the process configuration: struct defaults, overridden by
// DNS_* environment variables, overridden by explicitly set command-line flags.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// Port is the UDP port the query server binds to.
	Port int `koanf:"port" validate:"required,gte=1,lt=65535"`

	// ConfigPath points at the server file (zones, root servers, log files).
	ConfigPath string `koanf:"config_path" validate:"required"`

	// Recursive enables resolving on behalf of clients that set Recursion-Desired.
	Recursive bool `koanf:"recursive"`

	// Timeout bounds each send and each receive of one resolver hop.
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`

	Workers        int `koanf:"workers" validate:"gte=1"`
	QueueSize      int `koanf:"queue_size" validate:"gte=1"`
	MaxInflight    int `koanf:"max_inflight" validate:"gte=1"`
	MaxDelegations int `koanf:"max_delegations" validate:"gte=1"`

	// TransferPort is the TCP port of the zone-transfer server. Zero disables it.
	TransferPort int `koanf:"transfer_port" validate:"gte=0,lt=65535"`

	// StateDB is the bbolt file holding secondary zone copies. Empty disables persistence.
	StateDB string `koanf:"state_db"`

	// CacheZones bounds the number of cached (non-authoritative) zones kept in memory.
	CacheZones int `koanf:"cache_zones" validate:"gte=1"`

	// DefaultRetry is how long a secondary waits after a failed transfer before
	// it has ever seen the zone's SOA.
	DefaultRetry time.Duration `koanf:"default_retry" validate:"gt=0"`
}

// DEFAULT_APP_CONFIG defines the default application configuration.
var DEFAULT_APP_CONFIG = AppConfig{
	Env:            "prod",
	LogLevel:       "info",
	Port:           5353,
	ConfigPath:     "/etc/zonewalk/server.yaml",
	Recursive:      false,
	Timeout:        time.Second,
	Workers:        16,
	QueueSize:      256,
	MaxInflight:    64,
	MaxDelegations: 8,
	TransferPort:   8000,
	StateDB:        "",
	CacheZones:     1024,
	DefaultRetry:   3600 * time.Second,
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"env":             "env",
	"log-level":       "log_level",
	"port":            "port",
	"config":          "config_path",
	"recursive":       "recursive",
	"timeout":         "timeout",
	"workers":         "workers",
	"max-inflight":    "max_inflight",
	"max-delegations": "max_delegations",
	"transfer-port":   "transfer_port",
	"state-db":        "state_db",
}

// validIPPort validates whether the provided field value is a valid IP address and port combination.
func validIPPort(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	ip, port, err := net.SplitHostPort(addr)
	if err != nil || ip == "" || port == "" {
		return false
	}
	if net.ParseIP(ip) == nil {
		return false
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0 && portNum < 65536
}

// envLoader loads environment variables with the prefix "DNS_". Values
// containing spaces or commas become lists. It can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "DNS_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "DNS_"))
			value = strings.TrimSpace(value)

			if value == "" {
				return key, value
			}

			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}

			return key, value
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG through the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// flagLoader parses args and loads only the flags that were set, so unset
// flags never mask environment values.
var flagLoader = func(k *koanf.Koanf, args []string) error {
	fs := flag.NewFlagSet("zonewalkd", flag.ContinueOnError)
	fs.String("env", "", "runtime environment (dev|prod)")
	fs.String("log-level", "", "log level (debug|info|warn|error)")
	fs.Int("port", 0, "UDP port for queries")
	fs.String("config", "", "path to the server file")
	fs.Bool("recursive", false, "resolve on behalf of clients that ask for recursion")
	fs.Duration("timeout", 0, "per-hop resolver timeout")
	fs.Int("workers", 0, "query worker count")
	fs.Int("max-inflight", 0, "maximum concurrent recursive resolutions")
	fs.Int("max-delegations", 0, "maximum delegation hops per resolution")
	fs.Int("transfer-port", 0, "TCP port for zone transfers (0 disables)")
	fs.String("state-db", "", "bbolt file for secondary zone copies")
	if err := fs.Parse(args); err != nil {
		return err
	}

	set := make(map[string]any)
	fs.Visit(func(f *flag.Flag) {
		if getter, ok := f.Value.(flag.Getter); ok {
			set[flagKeys[f.Name]] = getter.Get()
		}
	})
	return k.Load(confmap.Provider(set, "."), nil)
}

// registerValidation registers the "ip_port" tag with the provided validator.
var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("ip_port", validIPPort)
}

// newValidator returns a validator with the custom tags registered.
func newValidator() (*validator.Validate, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}
	return validate, nil
}

// Load builds the AppConfig from defaults, the environment and args, then
// validates it.
func Load(args []string) (*AppConfig, error) {
	k := koanf.New(".")

	err := defaultLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	err = envLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	err = flagLoader(k, args)
	if err != nil {
		return nil, fmt.Errorf("error loading flags: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate, err := newValidator()
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
