package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/eddielth/oceanflow/config"
	"github.com/eddielth/oceanflow/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		logger.Error("%v", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}

func run(args []string) error {
	fs := config.NewFlagSet("oceanflow")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	configPath, _ := fs.GetString("config")
	cfg, err := config.LoadConfig(configPath, fs)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	con := newConsole(os.Stdin, os.Stdout)

	if cfg.ID == "" && fs.NArg() > 0 {
		cfg.ID = fs.Arg(0)
	}
	if cfg.ID == "" && needsID(cfg.Role) {
		if cfg.ID, err = con.Ask(ctx, fmt.Sprintf("%s id (e.g. %s): ", cfg.Role, exampleID(cfg.Role))); err != nil {
			return fmt.Errorf("no id given: %w", err)
		}
	}
	cfg.ID = strings.TrimSpace(cfg.ID)

	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.InitFromConfig(
		cfg.Logger.Level,
		cfg.Logger.Format,
		cfg.Logger.FilePath,
		cfg.Logger.MaxSize,
		cfg.Logger.MaxBackups,
		cfg.Logger.Console,
	); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	component := cfg.ID
	if component == "" {
		component = cfg.Role
	}
	logger.SetComponent(component)

	con.OnDLG(func() {
		logger.Info("DLG received, shutting down")
		cancel()
	})

	logger.Info("starting %s", cfg.Role)
	switch cfg.Role {
	case "wavy":
		err = runWavy(ctx, cfg, con)
	case "aggregator":
		err = runAggregator(ctx, cfg, configPath)
	case "server":
		err = runServer(ctx, cfg)
	case "broker":
		err = runBroker(ctx, cfg)
	case "status":
		action, _ := fs.GetString("action")
		err = runStatus(ctx, cfg, action)
	default:
		err = fmt.Errorf("unknown role %q", cfg.Role)
	}
	if err != nil {
		return err
	}

	logger.Info("%s stopped", component)
	return nil
}

func needsID(role string) bool {
	switch role {
	case "wavy", "aggregator", "server", "status":
		return true
	}
	return false
}

func exampleID(role string) string {
	switch role {
	case "wavy":
		return "EU-Wavy01"
	case "server":
		return "EU-S"
	}
	return "EU-Agr01"
}
