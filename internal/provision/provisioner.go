// Package provision finds or downloads the IfcGeomServer executable for the
// current platform: from an explicit path, from the prebuilt binaries kept
// in a source checkout, or from a published release.
package provision

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dsconsultants/ifcgeom/internal/events"
	"github.com/dsconsultants/ifcgeom/internal/tracing"
)

const tracerName = "ifcgeom/provision"

// DefaultDescriptorURL lists the published server builds.
const DefaultDescriptorURL = "https://github.com/ds-consultants/IfcOpenShell/releases/download/v0.6.0-5526f42/v0.6.0.json"

// DigestSuffix names the sidecar file holding an executable's BLAKE3 digest.
const DigestSuffix = ".blake3"

const (
	defaultAttempts      = 4
	defaultRetryInterval = 500 * time.Millisecond
)

var (
	ErrNoBuildForPlatform = errors.New("provision: no IfcGeomServer build for platform")
	ErrEmptyArchive       = errors.New("provision: release archive is empty")
	ErrNoExecutable       = errors.New("provision: executable path is not set")
	ErrUnknownSource      = errors.New("provision: unknown executable source")
)

// Source says where the executable comes from.
type Source string

const (
	SourcePath       Source = "path"
	SourceRepository Source = "repository"
	SourceRelease    Source = "release"
)

// ParseSource accepts a source name; empty means release.
func ParseSource(name string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(name))) {
	case "", SourceRelease, "github", "github_release":
		return SourceRelease, nil
	case SourceRepository, "repo":
		return SourceRepository, nil
	case SourcePath:
		return SourcePath, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
}

// Build is one entry of the release descriptor.
type Build struct {
	Platform string `json:"platform"`
	Product  string `json:"product"`
	URL      string `json:"url"`
}

// StatusError is an unexpected HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Result describes a resolved executable.
type Result struct {
	Path       string
	Source     Source
	Platform   Platform
	Downloaded bool
	Digest     string
}

// Options configures a Provisioner. Zero values select the defaults.
type Options struct {
	// Executable is the path used by SourcePath.
	Executable string
	// RepositoryRoot is the checkout searched by SourceRepository.
	RepositoryRoot string
	DescriptorURL  string
	// CacheDir receives downloaded executables; it defaults to
	// ~/.ifcgeom/bin.
	CacheDir string
	// Platform overrides CurrentPlatform.
	Platform *Platform

	HTTPClient    *http.Client
	Attempts      int
	RetryInterval time.Duration

	Logger *log.Logger
	Bus    events.Bus
}

// Provisioner resolves the server executable.
type Provisioner struct {
	opts   Options
	client *http.Client
	logger *log.Logger
}

// New returns a Provisioner with defaults filled in.
func New(opts Options) *Provisioner {
	if opts.DescriptorURL == "" {
		opts.DescriptorURL = DefaultDescriptorURL
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Provisioner{opts: opts, client: client, logger: logger.WithPrefix("provision")}
}

// Resolve returns the executable for source, downloading it when needed.
func (p *Provisioner) Resolve(ctx context.Context, source Source) (result Result, err error) {
	ctx, span := tracing.Start(ctx, tracerName, "provision.resolve", attribute.String("source", string(source)))
	defer func() {
		span.SetAttributes(
			attribute.String("path", result.Path),
			attribute.Bool("downloaded", result.Downloaded),
		)
		span.End(err)
	}()

	switch source {
	case SourcePath:
		if p.opts.Executable == "" {
			return Result{}, ErrNoExecutable
		}
		result = Result{Path: p.opts.Executable, Source: source}
	case SourceRepository:
		platform, err := p.platform()
		if err != nil {
			return Result{}, err
		}
		root := p.opts.RepositoryRoot
		if root == "" {
			root = "."
		}
		result = Result{Path: RepositoryPath(root, platform), Source: source, Platform: platform}
	case SourceRelease:
		result, err = p.resolveRelease(ctx)
		if err != nil {
			return Result{}, err
		}
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}

	if _, err := os.Stat(result.Path); err != nil {
		return Result{}, fmt.Errorf("executable %s: %w", result.Path, err)
	}

	p.logger.Info("executable available", "path", result.Path, "source", result.Source, "downloaded", result.Downloaded)
	if p.opts.Bus != nil {
		p.opts.Bus.Publish(events.Event{
			Type:       events.EventTypeProvision,
			EntityType: "executable",
			EntityID:   result.Path,
			Payload:    result,
			Severity:   events.SeverityInfo,
		})
	}
	return result, nil
}

func (p *Provisioner) platform() (Platform, error) {
	if p.opts.Platform != nil {
		return *p.opts.Platform, nil
	}
	return CurrentPlatform()
}

func (p *Provisioner) resolveRelease(ctx context.Context) (Result, error) {
	platform, err := p.platform()
	if err != nil {
		return Result{}, err
	}

	builds, err := p.fetchDescriptor(ctx)
	if err != nil {
		return Result{}, err
	}

	label := ReleaseLabel(platform)
	build, ok := findBuild(builds, label)
	if !ok {
		return Result{}, fmt.Errorf("%w %q", ErrNoBuildForPlatform, label)
	}

	name, err := executableName(build.URL, platform)
	if err != nil {
		return Result{}, err
	}
	cacheDir, err := p.cacheDir()
	if err != nil {
		return Result{}, err
	}
	exePath := filepath.Join(cacheDir, name)
	result := Result{Path: exePath, Source: SourceRelease, Platform: platform}

	digest, reusable, err := verifyCached(exePath)
	if err != nil {
		return Result{}, err
	}
	if reusable {
		result.Digest = digest
		return result, nil
	}
	if _, err := os.Stat(exePath); err == nil {
		p.logger.Warn("cached executable does not match its digest", "path", exePath)
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create cache directory: %w", err)
	}
	p.logger.Info("downloading executable", "url", build.URL)
	if err := p.download(ctx, build.URL, exePath); err != nil {
		return Result{}, err
	}

	digest, err = FileDigest(exePath)
	if err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(exePath+DigestSuffix, []byte(digest+"\n"), 0o644); err != nil {
		return Result{}, fmt.Errorf("write digest: %w", err)
	}
	result.Digest = digest
	result.Downloaded = true
	return result, nil
}

func (p *Provisioner) fetchDescriptor(ctx context.Context) ([]Build, error) {
	body, err := retry(ctx, p, func() ([]byte, error) {
		resp, err := p.get(ctx, p.opts.DescriptorURL)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch release descriptor: %w", err)
	}

	var builds []Build
	if err := sonic.Unmarshal(body, &builds); err != nil {
		return nil, fmt.Errorf("parse release descriptor: %w", err)
	}
	return builds, nil
}

func findBuild(builds []Build, label string) (Build, bool) {
	for _, build := range builds {
		if build.Product == ExecutableName && build.Platform == label {
			return build, true
		}
	}
	return Build{}, false
}

// executableName derives the cached file name from the archive URL, for
// example .../IfcGeomServer-v0.6.0-linux64.zip gives
// IfcGeomServer-v0.6.0-linux64.
func executableName(rawURL string, platform Platform) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse build url: %w", err)
	}
	base := path.Base(parsed.Path)
	if base == "." || base == "/" {
		return "", fmt.Errorf("build url %q has no file name", rawURL)
	}
	return strings.TrimSuffix(base, ".zip") + platform.ExecutableExt(), nil
}

func (p *Provisioner) cacheDir() (string, error) {
	if p.opts.CacheDir != "" {
		return p.opts.CacheDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".ifcgeom", "bin"), nil
}

// download fetches the archive at rawURL and extracts its single entry to
// exePath.
func (p *Provisioner) download(ctx context.Context, rawURL, exePath string) error {
	archive, err := os.CreateTemp(filepath.Dir(exePath), filepath.Base(exePath)+"-*.zip")
	if err != nil {
		return fmt.Errorf("create temporary archive: %w", err)
	}
	defer func() {
		_ = archive.Close()
		_ = os.Remove(archive.Name())
	}()

	size, err := retry(ctx, p, func() (int64, error) {
		if err := archive.Truncate(0); err != nil {
			return 0, backoff.Permanent(err)
		}
		if _, err := archive.Seek(0, io.SeekStart); err != nil {
			return 0, backoff.Permanent(err)
		}
		resp, err := p.get(ctx, rawURL)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		return io.Copy(archive, resp.Body)
	})
	if err != nil {
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	p.logger.Debug("archive downloaded", "bytes", humanize.Bytes(uint64(size)))

	if err := extractSingle(archive, size, exePath); err != nil {
		return err
	}
	p.logger.Info("unzipped executable", "path", exePath)
	return nil
}

func extractSingle(archive io.ReaderAt, size int64, exePath string) error {
	reader, err := zip.NewReader(archive, size)
	if err != nil {
		return fmt.Errorf("open release archive: %w", err)
	}

	var entry *zip.File
	for _, file := range reader.File {
		if !file.FileInfo().IsDir() {
			entry = file
			break
		}
	}
	if entry == nil {
		return ErrEmptyArchive
	}

	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open %s in archive: %w", entry.Name, err)
	}
	defer src.Close()

	partial := exePath + ".partial"
	dst, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return fmt.Errorf("create executable: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(partial)
		return fmt.Errorf("extract %s: %w", entry.Name, err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("close executable: %w", err)
	}
	// OpenFile's mode is filtered by the umask.
	if err := os.Chmod(partial, 0o755); err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("make executable: %w", err)
	}
	return os.Rename(partial, exePath)
}

func (p *Provisioner) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	_ = resp.Body.Close()
	statusErr := &StatusError{URL: rawURL, Code: resp.StatusCode}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return nil, statusErr
	}
	return nil, backoff.Permanent(statusErr)
}

func retry[T any](ctx context.Context, p *Provisioner, operation func() (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.opts.RetryInterval
	return backoff.Retry(ctx, func() (T, error) {
		value, err := operation()
		if err != nil {
			p.logger.Debug("request failed", "err", err)
		}
		return value, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(p.opts.Attempts)),
	)
}

// verifyCached reports whether the executable at exePath can be reused. A
// missing sidecar is written from the current file; a sidecar that no
// longer matches means the file must be fetched again.
func verifyCached(exePath string) (string, bool, error) {
	if _, err := os.Stat(exePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("stat cached executable: %w", err)
	}

	digest, err := FileDigest(exePath)
	if err != nil {
		return "", false, err
	}

	recorded, err := os.ReadFile(exePath + DigestSuffix)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(exePath+DigestSuffix, []byte(digest+"\n"), 0o644); err != nil {
			return "", false, fmt.Errorf("write digest: %w", err)
		}
		return digest, true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read digest: %w", err)
	}

	if strings.TrimSpace(string(recorded)) != digest {
		return "", false, nil
	}
	return digest, true, nil
}

// FileDigest returns the hex BLAKE3 digest of the file at path, the value
// kept in the DigestSuffix sidecar of a cached executable.
func FileDigest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
