// Package config loads the TOML file shared by the host and the worker executable.
//
//	name = "calc"
//	connect_timeout = "5s"
//
//	[worker]
//	path = "stubworker"
//
//	[limits]
//	call_timeout = "30s"
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"stubrpc/client"
	"stubrpc/codec"
	"stubrpc/host"
	"stubrpc/middleware"
	"stubrpc/registry"
	"stubrpc/transport"
)

// Duration is a time.Duration written as text ("1.5s", "200ms").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Name           string   `toml:"name"`
	SocketDir      string   `toml:"socket_dir"`
	Codec          string   `toml:"codec"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	StopTimeout    Duration `toml:"stop_timeout"`
	CancelTimeout  Duration `toml:"cancel_timeout"`
	Heartbeat      Duration `toml:"heartbeat"`
	Worker         Worker   `toml:"worker"`
	Modules        []string `toml:"modules"`
	Log            Log      `toml:"log"`
	Limits         Limits   `toml:"limits"`
}

type Worker struct {
	Path      string   `toml:"path"`
	Args      []string `toml:"args"`
	InProcess bool     `toml:"in_process"`
}

type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Limits configure the worker's middleware chain. Zero disables a limit.
type Limits struct {
	CallTimeout Duration `toml:"call_timeout"`
	Rate        float64  `toml:"rate"`
	Burst       int      `toml:"burst"`
}

func Defaults() Config {
	return Config{
		Codec:          codec.CodecTypeJSON.String(),
		ConnectTimeout: Duration{transport.DefaultTimeout},
		StopTimeout:    Duration{host.DefaultStopTimeout},
		CancelTimeout:  Duration{5 * time.Second},
		Heartbeat:      Duration{transport.DefaultHeartbeat},
		Worker:         Worker{Path: host.DefaultWorker},
		Log:            Log{Level: "info"},
	}
}

// Load reads path over Defaults. Keys the file sets that Config does not know are an error.
func Load(path string) (Config, error) {
	cfg := Defaults()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, strict(md)
}

// Parse is Load for TOML text.
func Parse(text string) (Config, error) {
	cfg := Defaults()
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, strict(md)
}

func strict(md toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	return fmt.Errorf("config: unknown keys: %s", strings.Join(keys, ", "))
}

func (c Config) Validate() error {
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for name, d := range map[string]Duration{
		"connect_timeout":     c.ConnectTimeout,
		"stop_timeout":        c.StopTimeout,
		"cancel_timeout":      c.CancelTimeout,
		"heartbeat":           c.Heartbeat,
		"limits.call_timeout": c.Limits.CallTimeout,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("config: %s must be >= 0", name)
		}
	}
	if !c.Worker.InProcess && strings.TrimSpace(c.Worker.Path) == "" {
		return errors.New("config: worker.path not set")
	}
	for _, m := range c.Modules {
		if strings.TrimSpace(m) == "" {
			return errors.New("config: module path cannot be empty")
		}
	}
	if c.Limits.Rate < 0 || c.Limits.Burst < 0 {
		return errors.New("config: limits must be >= 0")
	}
	if c.Limits.Rate > 0 && c.Limits.Burst < 1 {
		return errors.New("config: limits.burst must be >= 1 when limits.rate is set")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	return nil
}

// Logger builds the zap logger described by [log]. It writes to stderr.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// ConnectionOptions configures the channels. An empty socket_dir keeps the transport default.
func (c Config) ConnectionOptions() ([]transport.Option, error) {
	opts, err := c.channelOptions()
	if err != nil {
		return nil, err
	}
	if c.SocketDir != "" {
		opts = append(opts, transport.WithNetwork(transport.UnixNetwork{Dir: c.SocketDir}))
	}
	return opts, nil
}

func (c Config) channelOptions() ([]transport.Option, error) {
	ct, err := codec.ParseCodecType(c.Codec)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return []transport.Option{
		transport.WithCodec(ct),
		transport.WithTimeout(c.ConnectTimeout.Duration),
		transport.WithHeartbeat(c.Heartbeat.Duration),
	}, nil
}

// Middlewares returns the worker's invocation chain, outermost first.
func (c Config) Middlewares(log *zap.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(log)}
	if c.Limits.Rate > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(c.Limits.Rate, c.Limits.Burst))
	}
	if d := c.Limits.CallTimeout.Duration; d > 0 {
		mws = append(mws, middleware.TimeoutMiddleware(d))
	}
	return mws
}

// Registry builds the worker's search list: registry.Builtin followed by every module.
func (c Config) Registry() (*registry.Registry, error) {
	reg := registry.New(nil, registry.Builtin)
	for _, path := range c.Modules {
		if _, err := reg.Load(path); err != nil {
			return nil, fmt.Errorf("config: module %s: %w", path, err)
		}
	}
	return reg, nil
}

// HostOptions configures a host from the file. In-process hosts serve reg.
func (c Config) HostOptions(log *zap.Logger, reg *registry.Registry) ([]host.Option, error) {
	// The host creates its own socket directory under socket_dir.
	connOpts, err := c.channelOptions()
	if err != nil {
		return nil, err
	}
	opts := []host.Option{
		host.WithLogger(log),
		host.WithWorker(c.Worker.Path, c.Worker.Args...),
		host.WithSocketDir(c.SocketDir),
		host.WithStopTimeout(c.StopTimeout.Duration),
		host.WithConnectionOptions(connOpts...),
		host.WithProxyOptions(client.WithCancelTimeout(c.CancelTimeout.Duration)),
	}
	if c.Worker.InProcess {
		opts = append(opts, host.WithInProcess(reg))
	}
	return opts, nil
}
