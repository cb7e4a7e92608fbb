package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dsconsultants/ifcgeom/internal/doctor"
	"github.com/dsconsultants/ifcgeom/internal/events"
	"github.com/dsconsultants/ifcgeom/internal/export"
	"github.com/dsconsultants/ifcgeom/internal/generator"
	"github.com/dsconsultants/ifcgeom/internal/geometry"
	"github.com/dsconsultants/ifcgeom/internal/geomserver"
	"github.com/dsconsultants/ifcgeom/internal/process"
	"github.com/dsconsultants/ifcgeom/internal/provision"
	"github.com/dsconsultants/ifcgeom/internal/wire"
)

func newExtractCommand(a *app) *cobra.Command {
	var (
		out         string
		formatName  string
		compression string
		deflection  float64
		layerSets   bool
		lenient     bool
	)

	cmd := &cobra.Command{
		Use:   "extract MODEL",
		Short: "Tessellate an IFC model and write its entities to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelPath := args[0]
			format, compress, err := resolveOutputEncoding(out, formatName, compression)
			if err != nil {
				return err
			}
			if out == "" {
				out = strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + format.Extension() + compress.Extension()
			}

			opts := a.generatorOptions()
			if cmd.Flags().Changed("deflection") {
				if deflection < 0 {
					return fmt.Errorf("deflection %v: must not be negative", deflection)
				}
				opts.Deflection = deflection
			}
			if cmd.Flags().Changed("layer-sets") {
				opts.ApplyLayerSets = layerSets
			}
			if cmd.Flags().Changed("lenient") {
				opts.SuppressPullErrors = lenient
			}

			summary, err := a.extract(cmd.Context(), opts, modelPath, out, format, compress)
			if err != nil {
				return err
			}
			return printSummary(cmd.OutOrStdout(), summary, out)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&out, "out", "o", "", "output file (default: model name with the format extension)")
	flags.StringVar(&formatName, "format", "", "record format: jsonl or cbor (default: from --out, else jsonl)")
	flags.StringVar(&compression, "compress", "", "compression: none, zstd or lz4 (default: from --out, else none)")
	flags.Float64Var(&deflection, "deflection", 0, "tessellation deflection tolerance sent before the upload")
	flags.BoolVar(&layerSets, "layer-sets", false, "tessellate material layer sets")
	flags.BoolVar(&lenient, "lenient", false, "keep the entities read so far when the pull loop fails")
	return cmd
}

// resolveOutputEncoding applies explicit names first and falls back to the
// suffixes of out.
func resolveOutputEncoding(out, formatName, compressionName string) (export.Format, export.Compression, error) {
	format := export.FormatJSONLines
	compression := export.CompressionNone
	if out != "" {
		format = export.DetectFormat(out)
		compression = export.DetectCompression(out)
	}
	if formatName != "" {
		parsed, err := export.ParseFormat(formatName)
		if err != nil {
			return "", "", err
		}
		format = parsed
	}
	if compressionName != "" {
		parsed, err := export.ParseCompression(compressionName)
		if err != nil {
			return "", "", err
		}
		compression = parsed
	}
	return format, compression, nil
}

func (a *app) extract(
	ctx context.Context,
	opts generator.Options,
	modelPath, out string,
	format export.Format,
	compression export.Compression,
) (generator.Summary, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return generator.Summary{}, fmt.Errorf("model: %w", err)
	}

	resolved, err := a.resolveExecutable(ctx)
	if err != nil {
		return generator.Summary{}, err
	}
	opts.Executable = resolved.Path

	sink, err := export.Open(out, format, compression)
	if err != nil {
		return generator.Summary{}, err
	}

	summary, err := generator.Generate(ctx, opts, modelPath, sink)
	closeErr := sink.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		if removeErr := os.Remove(out); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			a.logger.Warn("failed to remove partial output", "path", out, "err", removeErr)
		}
		return summary, err
	}
	return summary, nil
}

func (a *app) generatorOptions() generator.Options {
	return generator.Options{
		Process: process.Options{
			Launcher:        launcherFn(),
			Stderr:          serverStderr(a.logger),
			PollInterval:    a.cfg.PollInterval,
			PollAttempts:    a.cfg.PollAttempts,
			FarewellTimeout: a.cfg.FarewellTimeout,
		},
		Session:            a.sessionOptions(),
		Deflection:         a.cfg.Deflection,
		ApplyLayerSets:     a.cfg.ApplyLayerSets,
		SuppressPullErrors: a.cfg.SuppressPullErrors,
		Logger:             a.logger,
		Bus:                a.bus,
	}
}

func (a *app) sessionOptions() geomserver.Options {
	return geomserver.Options{
		ExpectedVersion: a.cfg.ExpectedVersion,
		Limits:          wire.Limits{MaxPayloadBytes: a.cfg.MaxFrameBytes},
		Logger:          a.logger,
		Bus:             a.bus,
	}
}

func (a *app) resolveExecutable(ctx context.Context) (provision.Result, error) {
	source, err := provision.ParseSource(a.cfg.Source)
	if err != nil {
		return provision.Result{}, err
	}
	return a.provisioner().Resolve(ctx, source)
}

func (a *app) provisioner() *provision.Provisioner {
	return provision.New(provision.Options{
		Executable:     a.cfg.Executable,
		RepositoryRoot: a.cfg.RepositoryRoot,
		DescriptorURL:  a.cfg.ReleaseDescriptorURL,
		CacheDir:       a.cfg.CacheDir,
		Logger:         a.logger,
		Bus:            a.bus,
	})
}

func (a *app) cacheDir() (string, error) {
	if a.cfg.CacheDir != "" {
		return a.cfg.CacheDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return cacheDirFor(a.cfg, home), nil
}

// serverStderr forwards the server's diagnostic output into the log file.
func serverStderr(logger *log.Logger) io.Writer {
	return logger.WithPrefix("server").StandardLog(log.StandardLogOptions{ForceLevel: log.DebugLevel}).Writer()
}

func printSummary(out io.Writer, summary generator.Summary, path string) error {
	_, err := fmt.Fprintf(out,
		"%s entities (%s vertices, %s faces) from %s in %s\nwritten to %s\n",
		humanize.Comma(int64(summary.Entities)),
		humanize.Comma(int64(summary.Vertices)),
		humanize.Comma(int64(summary.Faces)),
		humanize.Bytes(uint64(summary.ModelBytes)),
		summary.Duration.Round(time.Millisecond),
		path,
	)
	if err != nil {
		return err
	}
	if summary.PullErr != nil {
		if _, err := fmt.Fprintf(out, "warning: stopped early: %v\n", summary.PullErr); err != nil {
			return err
		}
	}
	if summary.CloseErr != nil {
		if _, err := fmt.Fprintf(out, "warning: %v\n", summary.CloseErr); err != nil {
			return err
		}
	}
	return nil
}

func newProvisionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Locate or download the IfcGeomServer executable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			result, err := a.resolveExecutable(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "%s (%s)\n", result.Path, result.Source); err != nil {
				return err
			}
			if result.Digest != "" {
				state := "cached"
				if result.Downloaded {
					state = "downloaded"
				}
				if _, err := fmt.Fprintf(out, "%s, blake3 %s\n", state, result.Digest); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newHandshakeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "handshake",
		Short: "Start the server, check its protocol version and stop it again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			resolved, err := a.resolveExecutable(ctx)
			if err != nil {
				return err
			}
			version, err := a.probe(ctx, resolved.Path)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s speaks %s\n", resolved.Path, version)
			return err
		},
	}
}

// probe runs a bare session against the executable at path: handshake,
// then the goodbye exchange.
func (a *app) probe(ctx context.Context, path string) (string, error) {
	opts := a.generatorOptions().Process
	opts.Logger = a.logger
	opts.Bus = a.bus
	manager, err := process.New(opts)
	if err != nil {
		return "", err
	}
	client, err := geomserver.Open(ctx, manager, path, a.sessionOptions())
	if err != nil {
		return "", fmt.Errorf("start geometry server: %w", err)
	}
	version := client.Version()
	if err := client.CloseContext(ctx); err != nil {
		return version, err
	}
	return version, nil
}

func newDoctorCommand(a *app) *cobra.Command {
	var (
		watch  time.Duration
		repair bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the executable, its cache and a live handshake",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			source, err := provision.ParseSource(a.cfg.Source)
			if err != nil {
				return err
			}
			cacheDir, err := a.cacheDir()
			if err != nil {
				return err
			}
			manager, err := doctor.NewManager(a.provisioner(), doctor.ProberFunc(a.probe), a.bus, doctor.Config{
				Source:            source,
				CacheDir:          cacheDir,
				HeartbeatInterval: watch,
				Repair:            repair,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if watch > 0 {
				a.bus.Subscribe(events.EventTypeHealthCheck, func(event events.Event) {
					if report, ok := event.Payload.(doctor.HealthReport); ok {
						_ = printHealthReport(out, report)
					}
				})
				manager.Start(ctx)
				return nil
			}

			report, err := manager.RunOnce(ctx)
			if err != nil {
				return err
			}
			if err := printHealthReport(out, report); err != nil {
				return err
			}
			if !report.Healthy() {
				return errUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&watch, "watch", 0, "repeat the checks at this interval until interrupted")
	cmd.Flags().BoolVar(&repair, "repair", false, "delete cached executables whose digest no longer matches")
	return cmd
}

var errUnhealthy = errors.New("doctor: one or more checks failed")

func printHealthReport(out io.Writer, report doctor.HealthReport) error {
	for _, check := range report.Checks {
		mark := "ok  "
		if !check.OK {
			mark = "FAIL"
		}
		if _, err := fmt.Fprintf(out, "[%s] %-10s %s\n", mark, check.Name, check.Detail); err != nil {
			return err
		}
	}
	return nil
}

func newInspectCommand(a *app) *cobra.Command {
	var byType bool

	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Summarize an exported entity file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index := geometry.NewIndex()
			vertices, faces := 0, 0
			err := export.EachFile(args[0], func(entity geometry.Entity) error {
				vertices += entity.VertexCount()
				faces += entity.FaceCount()
				return index.Apply(cmd.Context(), entity)
			})
			if err != nil {
				return err
			}
			a.logger.Debug("inspected export", "path", args[0], "entities", index.Applied())

			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "%s entities, %s distinct, %s vertices, %s faces\n",
				humanize.Comma(int64(index.Applied())),
				humanize.Comma(int64(index.Len())),
				humanize.Comma(int64(vertices)),
				humanize.Comma(int64(faces)),
			); err != nil {
				return err
			}
			if byType {
				return printTypeCounts(out, index.Entities())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&byType, "types", false, "list entity counts per IFC type")
	return cmd
}

func printTypeCounts(out io.Writer, entities []geometry.Entity) error {
	counts := map[string]int{}
	for _, entity := range entities {
		counts[entity.Type]++
	}
	types := make([]string, 0, len(counts))
	for typ := range counts {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool {
		if counts[types[i]] != counts[types[j]] {
			return counts[types[i]] > counts[types[j]]
		}
		return types[i] < types[j]
	})
	for _, typ := range types {
		if _, err := fmt.Fprintf(out, "  %-28s %s\n", typ, humanize.Comma(int64(counts[typ]))); err != nil {
			return err
		}
	}
	return nil
}
