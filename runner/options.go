package runner

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	configpkg "github.com/drblury/svcflow/internal/runtime/config"
	loggingpkg "github.com/drblury/svcflow/internal/runtime/logging"
)

// Options contains the command-line configuration of the runner.
type Options struct {
	//
	// Configuration.
	//
	ConfigPath string // YAML config file; defaults apply when empty.
	Transport  string // Overrides the configured transport.
	BrokerURI  string // Overrides the configured broker URI.
	//
	// Lifecycle.
	//
	DrainTimeout time.Duration // Overrides the configured drain timeout.
	//
	// Diagnostics.
	//
	LogLevel      string
	LogFormat     string // "text" or "json".
	MetricsPort   int    // Enables metrics on this port when set.
	ListServices  bool   // Print the catalog and exit.
	ShowConfig    bool   // Print the effective (redacted) config and exit.
	ShowVersion   bool
	WebUIPort     int // Enables the web UI on this port when set.
	ServiceFilter []string

	// internal
	fs     *pflag.FlagSet
	config *configpkg.Config
}

// NewOptions returns Options initialized with default values.
func NewOptions() *Options {
	return &Options{
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// AddFlags binds the Options fields to flags on fs.
func (opts *Options) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	opts.fs = fs

	fs.StringVarP(&opts.ConfigPath, "config", "c", opts.ConfigPath,
		"Path to the YAML config file.")
	fs.StringVar(&opts.Transport, "transport", opts.Transport,
		"Broker transport (rabbitmq, channel, kafka, nats, aws, http, amqpfanout). Overrides the config file.")
	fs.StringVar(&opts.BrokerURI, "broker-uri", opts.BrokerURI,
		"AMQP broker URI. Overrides the config file.")
	fs.DurationVar(&opts.DrainTimeout, "drain-timeout", opts.DrainTimeout,
		"How long shutdown waits for running workers. Overrides the config file.")
	fs.StringVar(&opts.LogLevel, "log-level", opts.LogLevel,
		"Log level: debug, info, warn or error.")
	fs.StringVar(&opts.LogFormat, "log-format", opts.LogFormat,
		"Log format: text or json.")
	fs.IntVar(&opts.MetricsPort, "metrics-port", opts.MetricsPort,
		"Expose Prometheus metrics on this port.")
	fs.IntVar(&opts.WebUIPort, "webui-port", opts.WebUIPort,
		"Expose the web UI API on this port.")
	fs.BoolVar(&opts.ListServices, "list", opts.ListServices,
		"List the services known to the runner and exit.")
	fs.BoolVar(&opts.ShowConfig, "show-config", opts.ShowConfig,
		"Print the effective configuration with credentials redacted and exit.")
	fs.BoolVar(&opts.ShowVersion, "version", opts.ShowVersion,
		"Print the version and exit.")
}

// Complete loads the config file, applies flag overrides and records the
// services named by the positional arguments.
func (opts *Options) Complete(args []string) error {
	opts.ServiceFilter = args

	cfg := &configpkg.Config{}
	if opts.ConfigPath != "" {
		loaded, err := configpkg.Load(opts.ConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if opts.changed("transport") {
		cfg.Transport = opts.Transport
	}
	if opts.changed("broker-uri") {
		cfg.BrokerURI = opts.BrokerURI
	}
	if opts.changed("drain-timeout") {
		cfg.DrainTimeout = opts.DrainTimeout
	}
	if opts.MetricsPort != 0 {
		cfg.MetricsEnabled = true
		cfg.MetricsPort = opts.MetricsPort
	}
	if opts.WebUIPort != 0 {
		cfg.WebUIEnabled = true
		cfg.WebUIPort = opts.WebUIPort
	}

	withDefaults := cfg.WithDefaults()
	opts.config = &withDefaults
	return nil
}

func (opts *Options) changed(name string) bool {
	if opts.fs == nil {
		return false
	}
	f := opts.fs.Lookup(name)
	return f != nil && f.Changed
}

// Validate checks the Options for invalid or conflicting values.
func (opts *Options) Validate() error {
	if _, err := loggingpkg.ParseLevel(opts.LogLevel); err != nil {
		return fmt.Errorf("invalid value %q for flag %q: %w", opts.LogLevel, "log-level", err)
	}
	if opts.LogFormat != "text" && opts.LogFormat != "json" {
		return fmt.Errorf("invalid value %q for flag %q: must be text or json", opts.LogFormat, "log-format")
	}
	if opts.DrainTimeout < 0 {
		return fmt.Errorf("invalid value %s for flag %q: must be >= 0", opts.DrainTimeout, "drain-timeout")
	}
	for _, pc := range []struct {
		name string
		port int
	}{
		{"metrics-port", opts.MetricsPort},
		{"webui-port", opts.WebUIPort},
	} {
		if pc.port < 0 || pc.port > 65535 {
			return fmt.Errorf("invalid value %d for flag %q: must be between 1 and 65535", pc.port, pc.name)
		}
	}
	if opts.MetricsPort != 0 && opts.MetricsPort == opts.WebUIPort {
		return fmt.Errorf("port conflict: metrics-port and webui-port must differ (%d)", opts.MetricsPort)
	}
	if opts.config != nil {
		return opts.config.Validate()
	}
	return nil
}

// Config returns the effective configuration after Complete.
func (opts *Options) Config() *configpkg.Config {
	return opts.config
}
