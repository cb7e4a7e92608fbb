package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dsconsultants/ifcgeom/internal/command"
	"github.com/dsconsultants/ifcgeom/internal/config"
	"github.com/dsconsultants/ifcgeom/internal/events"
	"github.com/dsconsultants/ifcgeom/internal/logging"
	"github.com/dsconsultants/ifcgeom/internal/process"
	"github.com/dsconsultants/ifcgeom/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

// launcherFn picks how server processes are started. Nil means os/exec.
var launcherFn = func() process.Launcher {
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if err := loadDotEnv(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx, logging.WithRunID(uuid.NewString()), logging.WithLevel(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	cmd := newRootCommand(ctx, cfg, logger.Logger)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		logger.Logger.Error("command failed", "err", err)
		return err
	}

	return nil
}

// loadDotEnv exports the variables of a project .env file. A missing file is
// not an error; variables already set in the environment win.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// app is the state shared by every subcommand of one invocation.
type app struct {
	cfg    *config.Config
	logger *log.Logger
	bus    *events.InMemoryBus
	traces *telemetry.Provider
}

func newRootCommand(ctx context.Context, cfg *config.Config, logger *log.Logger) *cobra.Command {
	a := &app{cfg: cfg, logger: logger}

	root := &cobra.Command{
		Use:           "ifcgeom",
		Short:         "Tessellate IFC models through IfcGeomServer",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	flags := root.PersistentFlags()
	flags.String("executable", "", "path to the IfcGeomServer executable")
	flags.String("source", "", "where to find the executable: path, repository or release")
	flags.String("otel-endpoint", "", "OTLP HTTP endpoint for traces, or \"none\"")

	root.AddCommand(
		newExtractCommand(a),
		newProvisionCommand(a),
		newHandshakeCommand(a),
		newInspectCommand(a),
		newDoctorCommand(a),
		newVersionCommand(),
		newBugreportCommand(a),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		if err := a.applyFlags(cmd); err != nil {
			return err
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return a.start(cmd.Context())
	}
	for _, sub := range root.Commands() {
		runE := sub.RunE
		sub.RunE = func(cmd *cobra.Command, args []string) error {
			defer a.stop()
			return runE(cmd, args)
		}
	}

	_ = ctx
	return root
}

func (a *app) applyFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if flags.Changed("executable") {
		value, _ := flags.GetString("executable")
		a.cfg.Executable = strings.TrimSpace(value)
		if !flags.Changed("source") {
			a.cfg.Source = "path"
		}
	}
	if flags.Changed("source") {
		value, _ := flags.GetString("source")
		a.cfg.Source = strings.ToLower(strings.TrimSpace(value))
	}
	if flags.Changed("otel-endpoint") {
		value, _ := flags.GetString("otel-endpoint")
		a.cfg.OTELEndpoint = strings.TrimSpace(value)
	}
	return a.cfg.Validate()
}

// start wires telemetry and the event bus. Every bus event is mirrored into
// the log file.
func (a *app) start(ctx context.Context) error {
	traces, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:       a.cfg.OTELEndpoint,
		ServiceVersion: Version,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	a.traces = traces

	a.bus = events.New(events.WithLogger(a.logger))
	a.bus.SubscribeAll(func(event events.Event) {
		record := a.logger.With(
			"event", event.Type,
			"entity_type", event.EntityType,
			"entity_id", event.EntityID,
		)
		switch event.Severity {
		case events.SeverityError:
			record.Error("event", "payload", event.Payload)
		case events.SeverityWarn:
			record.Warn("event", "payload", event.Payload)
		default:
			record.Debug("event", "payload", event.Payload)
		}
	})
	return nil
}

func (a *app) stop() {
	if a.bus != nil {
		a.bus.Close()
		a.bus = nil
	}
	if a.traces != nil {
		if err := a.traces.Shutdown(context.Background()); err != nil {
			a.logger.Warn("flush traces", "err", err)
		}
		a.traces = nil
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client and protocol versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "ifcgeom %s\nprotocol %s\n", Version, command.Version)
			return err
		},
	}
}
