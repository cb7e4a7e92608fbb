package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dsconsultants/ifcgeom/internal/events"
	"github.com/dsconsultants/ifcgeom/internal/provision"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
)

// Check names reported in HealthReport.Checks.
const (
	CheckExecutable = "executable"
	CheckHandshake  = "handshake"
	CheckCache      = "cache"
)

// Resolver locates the server executable. *provision.Provisioner satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, source provision.Source) (provision.Result, error)
}

// Prober starts the executable at path, completes the version handshake and
// stops it again, returning the version the server reported.
type Prober interface {
	Probe(ctx context.Context, path string) (string, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, path string) (string, error)

func (f ProberFunc) Probe(ctx context.Context, path string) (string, error) {
	return f(ctx, path)
}

// EventBus publishes health events.
type EventBus interface {
	Publish(event events.Event)
}

// Config controls which checks run and how often.
type Config struct {
	Source            provision.Source
	CacheDir          string
	HeartbeatInterval time.Duration
	// Repair deletes cached executables whose digest no longer matches, so
	// the next release resolution downloads them again.
	Repair bool
}

// Check is the outcome of one health check.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// HealthReport is emitted on every Doctor heartbeat.
type HealthReport struct {
	Executable         string    `json:"executable,omitempty"`
	ServerVersion      string    `json:"server_version,omitempty"`
	CachedExecutables  int       `json:"cached_executables"`
	CorruptExecutables int       `json:"corrupt_executables"`
	RemovedExecutables int       `json:"removed_executables"`
	Checks             []Check   `json:"checks"`
	DoctorHeartbeat    time.Time `json:"doctor_heartbeat"`
}

// Healthy reports whether every check passed.
func (r HealthReport) Healthy() bool {
	for _, check := range r.Checks {
		if !check.OK {
			return false
		}
	}
	return true
}

// CachedExecutable is one file in the executable cache.
type CachedExecutable struct {
	Path     string
	Size     int64
	Mode     os.FileMode
	Digest   string
	Recorded string
	Err      error
}

// Verified reports whether the file still matches its recorded digest.
func (c CachedExecutable) Verified() bool {
	return c.Err == nil && c.Recorded != "" && c.Recorded == c.Digest
}

// Manager executes health checks once or on a periodic ticker.
type Manager struct {
	resolver          Resolver
	prober            Prober
	bus               EventBus
	source            provision.Source
	cacheDir          string
	repair            bool
	heartbeatInterval time.Duration
	now               func() time.Time
	newTicker         func(time.Duration) *time.Ticker
}

// NewManager builds a Doctor manager with sane defaults.
func NewManager(resolver Resolver, prober Prober, bus EventBus, cfg Config) (*Manager, error) {
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if prober == nil {
		return nil, errors.New("prober is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Source == "" {
		cfg.Source = provision.SourceRelease
	}
	return &Manager{
		resolver:          resolver,
		prober:            prober,
		bus:               bus,
		source:            cfg.Source,
		cacheDir:          cfg.CacheDir,
		repair:            cfg.Repair,
		heartbeatInterval: cfg.HeartbeatInterval,
		now:               time.Now,
		newTicker:         time.NewTicker,
	}, nil
}

// Start runs heartbeat checks until context cancellation.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := m.newTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.bus.Publish(events.Event{
					Type:       events.EventTypeSystemAlert,
					Timestamp:  m.now().UTC(),
					EntityType: "health",
					EntityID:   "doctor",
					Payload: map[string]string{
						"error": err.Error(),
					},
					Severity: events.SeverityError,
				})
			}
		}
	}
}

// RunOnce executes one health check cycle. Failed checks are reported in the
// HealthReport; an error means the cycle itself could not run.
func (m *Manager) RunOnce(ctx context.Context) (HealthReport, error) {
	if m == nil {
		return HealthReport{}, errors.New("doctor manager is nil")
	}
	if err := ctx.Err(); err != nil {
		return HealthReport{}, err
	}

	now := m.now().UTC()
	report := HealthReport{
		DoctorHeartbeat: now,
	}

	if m.cacheDir != "" {
		cacheCheck, err := m.checkCache(ctx, &report)
		if err != nil {
			return HealthReport{}, err
		}
		report.Checks = append(report.Checks, cacheCheck)
	}

	resolved, err := m.resolver.Resolve(ctx, m.source)
	if err != nil {
		report.Checks = append(report.Checks,
			Check{Name: CheckExecutable, Detail: err.Error()},
			Check{Name: CheckHandshake, Detail: "skipped: no executable"},
		)
	} else {
		report.Executable = resolved.Path
		report.Checks = append(report.Checks, Check{
			Name:   CheckExecutable,
			OK:     true,
			Detail: fmt.Sprintf("%s (%s)", resolved.Path, resolved.Source),
		})
		report.Checks = append(report.Checks, m.checkHandshake(ctx, resolved.Path, &report))
	}

	severity := events.SeverityInfo
	if !report.Healthy() {
		severity = events.SeverityWarn
	}
	m.bus.Publish(events.Event{
		Type:       events.EventTypeHealthCheck,
		Timestamp:  now,
		EntityType: "health",
		EntityID:   "doctor",
		Payload:    report,
		Severity:   severity,
	})

	return report, nil
}

func (m *Manager) checkHandshake(ctx context.Context, path string, report *HealthReport) Check {
	version, err := m.prober.Probe(ctx, path)
	if err != nil {
		return Check{Name: CheckHandshake, Detail: err.Error()}
	}
	report.ServerVersion = version
	return Check{Name: CheckHandshake, OK: true, Detail: version}
}

func (m *Manager) checkCache(ctx context.Context, report *HealthReport) (Check, error) {
	cached, err := ScanCache(ctx, m.cacheDir)
	if errors.Is(err, os.ErrNotExist) {
		return Check{Name: CheckCache, OK: true, Detail: "empty"}, nil
	}
	if err != nil {
		return Check{}, fmt.Errorf("scan executable cache: %w", err)
	}

	report.CachedExecutables = len(cached)
	corrupt := make([]string, 0)
	for _, entry := range cached {
		// A missing sidecar is adopted on the next resolve, so only a
		// recorded digest that disagrees counts as corrupt.
		if entry.Err == nil && (entry.Recorded == "" || entry.Verified()) {
			continue
		}
		report.CorruptExecutables++
		corrupt = append(corrupt, filepath.Base(entry.Path))
		if !m.repair {
			continue
		}
		if err := removeCached(entry.Path); err != nil {
			return Check{}, fmt.Errorf("remove corrupt executable %s: %w", entry.Path, err)
		}
		report.RemovedExecutables++
	}

	if report.CorruptExecutables == 0 {
		return Check{Name: CheckCache, OK: true, Detail: fmt.Sprintf("%d verified", len(cached))}, nil
	}
	detail := "digest mismatch: " + strings.Join(corrupt, ", ")
	if report.RemovedExecutables == report.CorruptExecutables {
		return Check{Name: CheckCache, OK: true, Detail: "removed " + strings.Join(corrupt, ", ")}, nil
	}
	return Check{Name: CheckCache, Detail: detail}, nil
}

// ScanCache lists the executables in dir with their current and recorded
// digests, sorted by name. Digest sidecars are not listed themselves.
func ScanCache(ctx context.Context, dir string) ([]CachedExecutable, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	cached := make([]CachedExecutable, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, provision.DigestSuffix) || strings.HasSuffix(name, ".partial") || strings.HasSuffix(name, ".zip") {
			continue
		}

		item := CachedExecutable{Path: filepath.Join(dir, name)}
		info, err := entry.Info()
		if err != nil {
			item.Err = err
			cached = append(cached, item)
			continue
		}
		item.Size = info.Size()
		item.Mode = info.Mode()
		item.Digest, item.Err = provision.FileDigest(item.Path)
		// #nosec G304 -- sidecar path is derived from the cache listing.
		if data, readErr := os.ReadFile(item.Path + provision.DigestSuffix); readErr == nil {
			item.Recorded = strings.TrimSpace(string(data))
		}
		cached = append(cached, item)
	}

	sort.Slice(cached, func(i, j int) bool {
		return cached[i].Path < cached[j].Path
	})
	return cached, nil
}

func removeCached(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Remove(path + provision.DigestSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
