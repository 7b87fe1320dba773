package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/CrackerCat/Android-DataBackup/internal/orchestrator"
	"github.com/CrackerCat/Android-DataBackup/internal/types"
	"github.com/CrackerCat/Android-DataBackup/internal/version"
)

const (
	defaultConfigPath   = "/data/adb/databackup/databackup.env"
	configSourceDefault = "default path"
	configSourceFlag    = "specified via --config/-c flag"
)

// Command is the subcommand selected on the command line.
type Command string

const (
	CommandBackup    Command = "backup"
	CommandRestore   Command = "restore"
	CommandScan      Command = "scan"
	CommandBlacklist Command = "blacklist"
	CommandDaemon    Command = "daemon"
	CommandVersion   Command = "version"
	CommandHelp      Command = "help"
)

// Blacklist actions.
const (
	BlacklistAdd    = "add"
	BlacklistRemove = "remove"
	BlacklistList   = "list"
)

var osExit = os.Exit

// ErrUsage is returned for command lines that cannot be executed.
var ErrUsage = errors.New("invalid usage")

// Args holds the parsed command-line arguments
type Args struct {
	Command          Command
	ConfigPath       string
	ConfigPathSource string
	LogLevel         types.LogLevel
	NoTUI            bool
	Yes              bool
	Passphrase       bool
	ShowVersion      bool
	ShowHelp         bool

	// Flow selection
	Media    bool
	All      bool
	Packages []string
	AppOnly  bool
	DataOnly bool

	// Extra passes over the failed tasks of a run
	Retries int

	// blacklist add|remove|list
	BlacklistAction string
	Names           []string
}

// Parse parses os.Args. Usage errors print help and exit with the config
// error code.
func Parse() *Args {
	args, err := ParseArgs(os.Args[0], os.Args[1:], os.Stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			printHelp(os.Stderr, os.Args[0], nil)
			osExit(types.ExitConfigError.Int())
			return args
		}
		args = &Args{ShowHelp: true}
	}
	return args
}

// ParseArgs parses argv (without the program name) as
// "<command> [positionals] [options]".
func ParseArgs(argv0 string, argv []string, stderr io.Writer) (*Args, error) {
	args := &Args{}
	fs := newFlagSet(argv0, args, stderr)

	rest := argv
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		args.Command = Command(rest[0])
		rest = rest[1:]
	}
	var positionals []string
	for len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		positionals = append(positionals, rest[0])
		rest = rest[1:]
	}

	configFlag := newStringFlag(defaultConfigPath)
	fs.Var(configFlag, "config", "Path to configuration file")
	fs.Var(configFlag, "c", "Path to configuration file (shorthand)")
	var logLevelStr string
	fs.StringVar(&logLevelStr, "log-level", "", "Log level (debug|info|warning|error|critical)")
	fs.StringVar(&logLevelStr, "l", "", "Log level (shorthand)")
	packages := &listFlag{}
	fs.Var(packages, "package", "Package or media folder name (repeatable, comma separated)")
	fs.Var(packages, "p", "Package or media folder name (shorthand)")

	if err := fs.Parse(rest); err != nil {
		return args, err
	}
	positionals = append(positionals, fs.Args()...)

	args.ConfigPath = configFlag.value
	if configFlag.set {
		args.ConfigPathSource = configSourceFlag
	} else {
		args.ConfigPathSource = configSourceDefault
	}
	if logLevelStr != "" {
		args.LogLevel = parseLogLevel(logLevelStr)
	} else {
		args.LogLevel = types.LogLevelNone // Will be overridden by config
	}
	args.Packages = packages.values

	if args.ShowVersion {
		args.Command = CommandVersion
	}
	if args.ShowHelp {
		args.Command = CommandHelp
	}
	if args.Command == "" {
		args.Command = CommandHelp
		args.ShowHelp = true
	}
	return args, args.validate(positionals)
}

func newFlagSet(argv0 string, args *Args, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(argv0, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printHelp(stderr, argv0, fs) }

	fs.BoolVar(&args.NoTUI, "no-tui", false, "Print plain log output instead of the dashboard")
	fs.BoolVar(&args.Yes, "yes", false, "Do not ask for confirmation before restoring")
	fs.BoolVar(&args.Yes, "y", false, "Do not ask for confirmation (shorthand)")
	fs.BoolVar(&args.Passphrase, "passphrase", false, "Prompt for an age passphrase instead of using configured keys")
	fs.BoolVar(&args.Media, "media", false, "Operate on media folders instead of apps")
	fs.IntVar(&args.Retries, "retries", 0, "Retry failed tasks up to N times")
	fs.BoolVar(&args.All, "all", false, "Select every app or media folder")
	fs.BoolVar(&args.AppOnly, "app-only", false, "Select only the APK of each app")
	fs.BoolVar(&args.DataOnly, "data-only", false, "Select only the data of each app")
	fs.BoolVar(&args.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&args.ShowVersion, "v", false, "Show version information (shorthand)")
	fs.BoolVar(&args.ShowHelp, "help", false, "Show help message")
	fs.BoolVar(&args.ShowHelp, "h", false, "Show help message (shorthand)")
	return fs
}

func (a *Args) validate(positionals []string) error {
	if a.AppOnly && a.DataOnly {
		return fmt.Errorf("%w: --app-only and --data-only are mutually exclusive", ErrUsage)
	}
	if a.Retries < 0 {
		return fmt.Errorf("%w: --retries must not be negative", ErrUsage)
	}
	if a.All && len(a.Packages) > 0 {
		return fmt.Errorf("%w: --all and --package are mutually exclusive", ErrUsage)
	}

	switch a.Command {
	case CommandBackup, CommandRestore, CommandScan, CommandDaemon, CommandVersion, CommandHelp:
		if len(positionals) > 0 && a.Command != CommandHelp {
			return fmt.Errorf("%w: unexpected argument %q", ErrUsage, positionals[0])
		}
	case CommandBlacklist:
		if len(positionals) == 0 {
			return fmt.Errorf("%w: blacklist needs add, remove or list", ErrUsage)
		}
		a.BlacklistAction, a.Names = positionals[0], append(positionals[1:], a.Packages...)
		switch a.BlacklistAction {
		case BlacklistList:
		case BlacklistAdd, BlacklistRemove:
			if len(a.Names) == 0 {
				return fmt.Errorf("%w: blacklist %s needs at least one package", ErrUsage, a.BlacklistAction)
			}
		default:
			return fmt.Errorf("%w: unknown blacklist action %q", ErrUsage, a.BlacklistAction)
		}
	default:
		return fmt.Errorf("%w: unknown command %q", ErrUsage, a.Command)
	}
	return nil
}

// ConfigExplicit reports whether the config path came from --config.
func (a *Args) ConfigExplicit() bool {
	return a.ConfigPathSource == configSourceFlag
}

// Flow maps the command to the orchestrator flow it drives. Commands that
// do not run a flow report false.
func (a *Args) Flow() (orchestrator.Flow, bool) {
	cmd := a.Command
	switch {
	case cmd == CommandBackup && a.Media:
		return orchestrator.FlowBackupMedia, true
	case cmd == CommandBackup:
		return orchestrator.FlowBackupApp, true
	case cmd == CommandRestore && a.Media:
		return orchestrator.FlowRestoreMedia, true
	case cmd == CommandRestore:
		return orchestrator.FlowRestoreApp, true
	}
	return "", false
}

// RunOptions builds the options for the selected flow. Without --all or
// --package the selection persisted in the index is used as is.
func (a *Args) RunOptions() orchestrator.RunOptions {
	opts := orchestrator.RunOptions{Mode: orchestrator.RunFresh}
	if !a.All && len(a.Packages) == 0 {
		return opts
	}
	opts.Select = &orchestrator.Selection{
		All:   a.All,
		Names: a.Packages,
		App:   !a.DataOnly && !a.Media,
		Data:  !a.AppOnly || a.Media,
	}
	return opts
}

// parseLogLevel converts string to LogLevel
func parseLogLevel(s string) types.LogLevel {
	switch s {
	case "debug", "5":
		return types.LogLevelDebug
	case "info", "4":
		return types.LogLevelInfo
	case "warning", "3":
		return types.LogLevelWarning
	case "error", "2":
		return types.LogLevelError
	case "critical", "1":
		return types.LogLevelCritical
	case "none", "0":
		return types.LogLevelNone
	default:
		return types.LogLevelInfo
	}
}

// ShowHelp displays help message and exits
func ShowHelp() {
	printHelp(os.Stderr, os.Args[0], newFlagSet(os.Args[0], &Args{}, os.Stderr))
	osExit(types.ExitSuccess.Int())
}

// ShowVersion displays version information and exits
func ShowVersion() {
	printVersion(os.Stdout)
	osExit(types.ExitSuccess.Int())
}

func printHelp(w io.Writer, argv0 string, fs *flag.FlagSet) {
	fmt.Fprintf(w, "Usage: %s <command> [options]\n\n", argv0)
	fmt.Fprintln(w, "DataBackup: back up and restore Android apps and media")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  backup                      Back up the selected apps (or media with --media)")
	fmt.Fprintln(w, "  restore                     Restore the selected apps (or media with --media)")
	fmt.Fprintln(w, "  scan                        Rebuild the restore indexes from the backup tree")
	fmt.Fprintln(w, "  blacklist add|remove|list   Manage packages excluded from every flow")
	fmt.Fprintln(w, "  daemon                      Run scheduled backups")
	fmt.Fprintln(w, "  version                     Show version information")
	if fs != nil {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Options:")
		fs.SetOutput(w)
		fs.PrintDefaults()
	}
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  %s backup --all\n", argv0)
	fmt.Fprintf(w, "  %s restore -p com.example.app --data-only --retries 1\n", argv0)
	fmt.Fprintf(w, "  %s backup --media -p Pictures,DCIM\n", argv0)
	fmt.Fprintf(w, "  %s blacklist add com.example.bank\n", argv0)
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, "DataBackup")
	fmt.Fprintf(w, "Version: %s\n", version.String())
	fmt.Fprintf(w, "Build: %s\n", version.Full())
}

type stringFlag struct {
	value string
	set   bool
}

func newStringFlag(defaultValue string) *stringFlag {
	return &stringFlag{value: defaultValue}
}

func (s *stringFlag) String() string {
	return s.value
}

func (s *stringFlag) Set(val string) error {
	s.value = val
	s.set = true
	return nil
}

// listFlag collects repeated, comma separated values.
type listFlag struct {
	values []string
}

func (l *listFlag) String() string {
	return strings.Join(l.values, ",")
}

func (l *listFlag) Set(val string) error {
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			l.values = append(l.values, part)
		}
	}
	return nil
}
