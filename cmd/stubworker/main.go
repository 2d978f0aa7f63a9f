// Command stubworker is the worker process started by a host. It serves the types
// registered in registry.Builtin plus the plugin modules named in the config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"stubrpc/config"
	"stubrpc/host"
	"stubrpc/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "stubworker:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("stubworker", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "TOML config file")
	name := fs.String("name", "", "control channel name")
	dir := fs.String("dir", "", "socket directory (overrides socket_dir)")
	watch := fs.Bool("watch-stdin", false, "exit when stdin reaches EOF")
	codecName := fs.String("codec", "", "control message codec: json or binary")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Defaults()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			return err
		}
	}
	if *name != "" {
		cfg.Name = *name
	}
	if *dir != "" {
		cfg.SocketDir = *dir
	}
	if *codecName != "" {
		cfg.Codec = *codecName
	}
	// The host does not need a worker path to reach us.
	cfg.Worker.InProcess = true
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Name == "" {
		return fmt.Errorf("-name is required")
	}

	log, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.With(zap.Int("pid", os.Getpid()))

	reg, err := cfg.Registry()
	if err != nil {
		return err
	}
	connOpts, err := cfg.ConnectionOptions()
	if err != nil {
		return err
	}

	sopts := []server.Option{
		server.WithLogger(log),
		server.WithConnectionOptions(connOpts...),
	}
	for _, mw := range cfg.Middlewares(log) {
		sopts = append(sopts, func(s *server.Server) { s.Use(mw) })
	}
	wopts := []host.WorkerOption{
		host.WithRegistry(reg),
		host.WithServerOptions(sopts...),
		host.WithShutdownTimeout(cfg.StopTimeout.Duration),
	}
	if *watch {
		wopts = append(wopts, host.WithParentWatch(os.Stdin))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info("worker starting", zap.String("channel", cfg.Name), zap.Strings("modules", reg.Paths()))
	err = host.RunWorker(ctx, cfg.Name, wopts...)
	log.Info("worker stopped", zap.Error(err))
	return err
}
