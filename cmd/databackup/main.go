package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/term"

	"github.com/CrackerCat/Android-DataBackup/internal/cli"
	"github.com/CrackerCat/Android-DataBackup/internal/config"
	"github.com/CrackerCat/Android-DataBackup/internal/gateway"
	"github.com/CrackerCat/Android-DataBackup/internal/logging"
	"github.com/CrackerCat/Android-DataBackup/internal/orchestrator"
	"github.com/CrackerCat/Android-DataBackup/internal/tui"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
	"github.com/CrackerCat/Android-DataBackup/internal/version"
	"github.com/CrackerCat/Android-DataBackup/pkg/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, debug.Stack())
			os.Exit(types.ExitPanicError.Int())
		}
	}()

	args := cli.Parse()
	switch args.Command {
	case cli.CommandHelp:
		cli.ShowHelp()
		return types.ExitSuccess.Int()
	case cli.CommandVersion:
		cli.ShowVersion()
		return types.ExitSuccess.Int()
	}

	cfg, err := loadConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return types.ExitConfigError.Int()
	}

	interactive := term.IsTerminal(int(os.Stdout.Fd())) && term.IsTerminal(int(os.Stdin.Fd()))
	level := cfg.DebugLevel
	if args.LogLevel != types.LogLevelNone {
		level = args.LogLevel
	}
	logger, logPath, closeLog, err := logging.StartSessionLogger(cfg.LogPath, string(args.Command), level, cfg.UseColor && interactive)
	if err != nil {
		logger = logging.New(level, cfg.UseColor && interactive)
		logger.Warning("Session log unavailable: %v", err)
		closeLog = func() {}
	}
	defer closeLog()
	logging.SetDefaultLogger(logger)
	logger.Info("DataBackup %s", version.Full())
	if logPath != "" {
		logger.Debug("Session log: %s", logPath)
	}
	if cfg.ConfigPath == "" {
		logger.Info("No configuration file at %s, using defaults", args.ConfigPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	tui.SetAbortContext(ctx)

	flow, isFlow := args.Flow()
	archiver, err := buildArchiver(ctx, cfg, args, isFlow && flow.IsBackup())
	if err != nil {
		logger.Error("Archive setup failed: %v", err)
		if errors.Is(err, errPassphrase) {
			return types.ExitGenericError.Int()
		}
		return types.ExitConfigError.Int()
	}
	device := gateway.NewDevice(logger, gateway.OSRunner{}, archiver, gateway.DeviceConfig{
		FSTimeout:               cfg.GatewayFSTimeout,
		AutoFixMultiUserContext: cfg.AutoFixMultiUserContext,
	})
	o := orchestrator.New(logger, cfg, gateway.NewCached(device, cfg.PackageCacheTTL))

	switch args.Command {
	case cli.CommandScan:
		return runScan(ctx, o, os.Stdout)
	case cli.CommandBlacklist:
		return runBlacklist(ctx, o, args, os.Stdout)
	case cli.CommandDaemon:
		return runDaemon(ctx, o, cfg, logger)
	}

	stdin := bufio.NewReader(os.Stdin)
	if !flow.IsBackup() && !args.Yes && interactive {
		ok, err := confirm(ctx, stdin, os.Stdout, fmt.Sprintf("%s will overwrite data on this device. Continue?", flowTitle(flow)), false)
		if err != nil || !ok {
			logger.Info("Restore aborted")
			return types.ExitCancelled.Int()
		}
	}
	r := &flowRunner{
		o:           o,
		logger:      logger,
		useTUI:      interactive && !args.NoTUI,
		interactive: interactive,
		stdin:       stdin,
		out:         os.Stdout,
	}
	summary, err := r.run(ctx, flow, args.RunOptions(), args.Retries)
	return exitCode(summary, err)
}

// loadConfig falls back to the built-in defaults when the default config
// path does not exist. An explicit --config must exist.
func loadConfig(args *cli.Args) (*config.Config, error) {
	if !args.ConfigExplicit() && !utils.FileExists(args.ConfigPath) {
		return config.Default()
	}
	return config.LoadConfig(args.ConfigPath)
}
