package main

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"

	"github.com/dsconsultants/ifcgeom/internal/command"
	"github.com/dsconsultants/ifcgeom/internal/config"
	"github.com/dsconsultants/ifcgeom/internal/doctor"
)

const bugreportLogLimit = 3

var (
	bugreportNowFn     = func() time.Time { return time.Now().UTC() }
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
)

func newBugreportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect logs, redacted settings and cache state into a tarball",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.logger.Info("collecting diagnostic bundle", "command", "bugreport")
			return runBugReport(cmd.Context(), a.cfg, cmd.OutOrStdout())
		},
	}
}

// bundle is the in-memory content of a bug report archive.
type bundle struct {
	created  time.Time
	entries  []bundleEntry
	warnings []string
}

type bundleEntry struct {
	name    string
	modTime time.Time
	data    []byte
}

func (b *bundle) add(name string, data []byte) {
	b.addDated(name, b.created, data)
}

func (b *bundle) addDated(name string, modTime time.Time, data []byte) {
	b.entries = append(b.entries, bundleEntry{name: name, modTime: modTime, data: data})
}

func (b *bundle) warnf(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

func runBugReport(ctx context.Context, cfg *config.Config, out io.Writer) error {
	home, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	if home = filepath.Clean(home); home == "." || home == string(filepath.Separator) {
		return fmt.Errorf("home directory %q is not usable", home)
	}
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}

	b := &bundle{created: bugreportNowFn()}
	runID, traceID := addRecentLogs(b, filepath.Join(home, config.DirName, "logs"))
	b.add("last-run.txt", []byte(fmt.Sprintf("run_id: %s\ntrace_id: %s\n", runID, traceID)))
	b.add("version.txt", []byte(fmt.Sprintf("ifcgeom version: %s\nprotocol version: %s\nplatform: %s/%s\n",
		Version, command.Version, runtime.GOOS, runtime.GOARCH)))
	addConfig(b, "config.toml", filepath.Join(home, config.DirName, "config.toml"))
	addConfig(b, "project-config.toml", filepath.Join(filepath.Clean(cwd), config.DirName, "config.toml"))

	executables, err := describeExecutableCache(ctx, cacheDirFor(cfg, home))
	if err != nil {
		return err
	}
	b.add("executables.txt", executables)
	b.add("README.txt", bugreportReadme(b, runID, traceID))

	path := filepath.Join(filepath.Clean(cwd), ".ifcgeom-bugreport-"+b.created.Format("20060102-150405")+".tar.gz")
	if err := writeBundle(path, b); err != nil {
		return err
	}
	if out == nil {
		out = os.Stdout
	}
	_, err = fmt.Fprintf(out, "Bug report written to: %s. Share for debugging.\n", path)
	return err
}

// addRecentLogs copies the newest log files into logs/ and returns the last
// run and trace IDs recorded in them.
func addRecentLogs(b *bundle, dir string) (string, string) {
	files, err := newestFiles(dir, bugreportLogLimit)
	if err != nil {
		b.warnf("unable to read logs directory: %v", err)
		b.warnf("no run_id/trace_id found in copied logs")
		return "", ""
	}

	var runID, traceID string
	for _, file := range files {
		// #nosec G304 -- file comes from listing the ifcgeom logs directory.
		data, err := os.ReadFile(file.path)
		if err != nil {
			b.warnf("unable to read log %s: %v", file.path, err)
			continue
		}
		b.addDated("logs/"+filepath.Base(file.path), file.modTime, data)
		if runID == "" && traceID == "" {
			runID, traceID = lastCorrelation(data)
		}
	}
	if runID == "" && traceID == "" {
		b.warnf("no run_id/trace_id found in copied logs")
	}
	return runID, traceID
}

// lastCorrelation scans JSON log lines from the end for run_id and trace_id.
func lastCorrelation(data []byte) (string, string) {
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		var record struct {
			RunID   string `json:"run_id"`
			TraceID string `json:"trace_id"`
		}
		if err := sonic.Unmarshal(lines[i], &record); err != nil {
			continue
		}
		if record.RunID != "" || record.TraceID != "" {
			return strings.TrimSpace(record.RunID), strings.TrimSpace(record.TraceID)
		}
	}
	return "", ""
}

func addConfig(b *bundle, name, path string) {
	// #nosec G304 -- path is a fixed location under a .ifcgeom directory.
	data, err := os.ReadFile(path)
	if err != nil {
		b.warnf("unable to read %s: %v", path, err)
		b.add(name, []byte("# config unavailable\n"))
		return
	}
	b.add(name, []byte(redactSensitiveConfig(string(data))))
}

// redactSensitiveConfig blanks the value of every key that looks like it
// holds a credential. Tables, comments and other keys pass through.
func redactSensitiveConfig(text string) string {
	var out strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		key, _, found := strings.Cut(line, "=")
		trimmed := strings.TrimSpace(line)
		if found && !strings.HasPrefix(trimmed, "#") && !strings.HasPrefix(trimmed, "[") &&
			isSensitiveToken(strings.ToLower(strings.TrimSpace(key))) {
			line = key + "= \"***REDACTED***\""
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.String()
}

func isSensitiveToken(key string) bool {
	for _, marker := range []string{"token", "secret", "password", "key", "auth", "header", "credential"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

func cacheDirFor(cfg *config.Config, homeDir string) string {
	if cfg != nil && cfg.CacheDir != "" {
		return cfg.CacheDir
	}
	return filepath.Join(homeDir, config.DirName, "bin")
}

// describeExecutableCache lists the cached server executables with their
// current digests next to the recorded ones.
func describeExecutableCache(ctx context.Context, dir string) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "cache: %s\n\n", dir)

	cached, err := doctor.ScanCache(ctx, dir)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		fmt.Fprintf(&buf, "error: %v\n", err)
	}
	for _, entry := range cached {
		digest, recorded, status := entry.Digest, entry.Recorded, "ok"
		if entry.Err != nil {
			digest = "error: " + entry.Err.Error()
		}
		if recorded == "" {
			recorded = "missing"
		}
		if !entry.Verified() {
			status = "mismatch"
		}
		fmt.Fprintf(&buf, "%s\n  size: %s\n  mode: %s\n  blake3: %s\n  recorded: %s\n  status: %s\n",
			filepath.Base(entry.Path), humanize.Bytes(uint64(entry.Size)), entry.Mode, digest, recorded, status)
	}
	return buf.Bytes(), nil
}

func bugreportReadme(b *bundle, runID, traceID string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "ifcgeom bug report\n\nGenerated: %s\nVersion: %s\nrun_id: %s\ntrace_id: %s\n\n",
		b.created.Format(time.RFC3339), Version, runID, traceID)
	buf.WriteString("Contents:\n")
	for _, entry := range b.entries {
		fmt.Fprintf(&buf, "- %s (%s)\n", entry.name, humanize.Bytes(uint64(len(entry.data))))
	}
	buf.WriteString("\nSecrets in config files are replaced by ***REDACTED***.\n")
	buf.WriteString("run_id and trace_id correlate the logs with exported traces.\n")
	if len(b.warnings) > 0 {
		buf.WriteString("\nWarnings:\n")
		for _, warning := range b.warnings {
			fmt.Fprintf(&buf, "- %s\n", warning)
		}
	}
	return buf.Bytes()
}

func writeBundle(path string, b *bundle) (err error) {
	// #nosec G304 -- path is built from the working directory and a timestamp.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	zw := gzip.NewWriter(file)
	tw := tar.NewWriter(zw)
	defer func() {
		err = errors.Join(err, tw.Close(), zw.Close(), file.Close())
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	for _, entry := range b.entries {
		header := &tar.Header{
			Name:    entry.name,
			Mode:    0o600,
			Size:    int64(len(entry.data)),
			ModTime: entry.modTime,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("archive %s: %w", entry.name, err)
		}
		if _, err := tw.Write(entry.data); err != nil {
			return fmt.Errorf("archive %s: %w", entry.name, err)
		}
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

// newestFiles returns up to limit regular files of dir, newest first.
func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if info, err := entry.Info(); err == nil {
			files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}
