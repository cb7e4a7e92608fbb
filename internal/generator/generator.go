// Package generator turns an IFC model file into tessellated entities by
// driving one geometry server session from start to finish.
package generator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dsconsultants/ifcgeom/internal/command"
	"github.com/dsconsultants/ifcgeom/internal/events"
	"github.com/dsconsultants/ifcgeom/internal/geometry"
	"github.com/dsconsultants/ifcgeom/internal/geomserver"
	"github.com/dsconsultants/ifcgeom/internal/process"
	"github.com/dsconsultants/ifcgeom/internal/tracing"
)

const tracerName = "ifcgeom/generator"

// Options configures one generation run.
type Options struct {
	// Executable is the path of the IfcGeomServer binary.
	Executable string
	Process    process.Options
	Session    geomserver.Options

	// Deflection is sent before the upload when positive.
	Deflection float64
	// ApplyLayerSets switches on layer set tessellation before the upload.
	ApplyLayerSets bool
	// SuppressPullErrors ends the pull loop on a failed Next instead of
	// failing the run. Entities already applied are kept.
	SuppressPullErrors bool

	Logger *log.Logger
	Bus    events.Bus
}

// Summary describes a finished run.
type Summary struct {
	Model         string
	ModelBytes    int64
	ServerVersion string
	Entities      int
	Vertices      int
	Faces         int
	Duration      time.Duration
	// PullErr is the pull failure that ended the loop early under
	// SuppressPullErrors.
	PullErr error
	// CloseErr is a *geomserver.NonZeroExitError from the final shutdown.
	CloseErr error
}

// Generate starts the server, uploads the model at modelPath and hands every
// entity it produces to applier in arrival order. The server and the model
// file are released on every return path.
func Generate(ctx context.Context, opts Options, modelPath string, applier geometry.Applier) (summary Summary, err error) {
	if applier == nil {
		return Summary{}, errors.New("generator: applier is required")
	}
	if opts.Executable == "" {
		return Summary{}, errors.New("generator: executable path is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("generator")

	ctx, span := tracing.Start(ctx, tracerName, "generator.generate",
		attribute.String("model", modelPath),
		attribute.String("executable", opts.Executable),
	)
	started := time.Now()
	summary.Model = modelPath
	defer func() {
		summary.Duration = time.Since(started)
		span.SetAttributes(
			attribute.Int("entities", summary.Entities),
			attribute.Int("vertices", summary.Vertices),
			attribute.Int("faces", summary.Faces),
		)
		span.End(err)
	}()

	processOpts := opts.Process
	if processOpts.Logger == nil {
		processOpts.Logger = logger
	}
	if processOpts.Bus == nil {
		processOpts.Bus = opts.Bus
	}
	manager, err := process.New(processOpts)
	if err != nil {
		return summary, err
	}

	sessionOpts := opts.Session
	if sessionOpts.Logger == nil {
		sessionOpts.Logger = logger
	}
	if sessionOpts.Bus == nil {
		sessionOpts.Bus = opts.Bus
	}

	logger.Info("using executable", "path", opts.Executable)
	client, err := geomserver.Open(ctx, manager, opts.Executable, sessionOpts)
	if err != nil {
		return summary, fmt.Errorf("start geometry server: %w", err)
	}
	defer func() {
		if closeErr := client.CloseContext(context.WithoutCancel(ctx)); closeErr != nil {
			logger.Warn("geometry server did not exit cleanly", "err", closeErr)
			summary.CloseErr = closeErr
		}
	}()
	summary.ServerVersion = client.Version()

	model, err := os.Open(modelPath)
	if err != nil {
		return summary, fmt.Errorf("open model: %w", err)
	}
	defer model.Close()

	info, err := model.Stat()
	if err != nil {
		return summary, fmt.Errorf("stat model: %w", err)
	}
	summary.ModelBytes = info.Size()

	if opts.Deflection > 0 {
		if err := client.SetDeflection(ctx, opts.Deflection); err != nil {
			return summary, err
		}
	}
	if opts.ApplyLayerSets {
		if err := client.ApplySetting(ctx, command.SettingApplyLayerSets, true); err != nil {
			return summary, err
		}
	}

	if err := client.LoadModelSized(ctx, model, info.Size()); err != nil {
		return summary, err
	}
	logger.Debug("model uploaded", "model", modelPath, "bytes", info.Size())

	for client.HasNext() {
		entity, err := client.Next(ctx)
		if err != nil {
			if opts.SuppressPullErrors {
				logger.Error("failed to read next entity", "err", err, "entities", summary.Entities)
				summary.PullErr = err
				break
			}
			return summary, err
		}

		if err := applier.Apply(ctx, entity); err != nil {
			return summary, fmt.Errorf("apply entity %d: %w", entity.ID, err)
		}
		summary.Entities++
		summary.Vertices += entity.VertexCount()
		summary.Faces += entity.FaceCount()
	}

	logger.Info("geometry generated",
		"model", modelPath,
		"entities", summary.Entities,
		"vertices", summary.Vertices,
		"faces", summary.Faces,
	)
	return summary, nil
}
