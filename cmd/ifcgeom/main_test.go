package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsconsultants/ifcgeom/internal/command"
	"github.com/dsconsultants/ifcgeom/internal/config"
	"github.com/dsconsultants/ifcgeom/internal/export"
	"github.com/dsconsultants/ifcgeom/internal/geometry"
	"github.com/dsconsultants/ifcgeom/internal/process"
	"github.com/dsconsultants/ifcgeom/internal/telemetry"
	"github.com/dsconsultants/ifcgeom/internal/testutil"
)

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"
	cmd := newRootCommand(context.Background(), testConfig(), testLogger())

	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := strings.TrimSpace(stdout.String())
	if output != "v0.1.0-test" {
		t.Fatalf("version output = %q, want %q", output, "v0.1.0-test")
	}
}

func TestVersionCommandPrintsProtocolVersion(t *testing.T) {
	output, err := execute(t, testConfig(), "version")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(output, command.Version) {
		t.Fatalf("version output %q does not name protocol %q", output, command.Version)
	}
}

func TestRootCommandHelpListsExpectedSubcommands(t *testing.T) {
	output, err := execute(t, testConfig(), "--help")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	expected := []string{"extract", "provision", "handshake", "inspect", "doctor", "version", "bugreport"}
	for _, name := range expected {
		if !strings.Contains(output, name) {
			t.Fatalf("help output missing %q: %s", name, output)
		}
	}
}

func TestExtractWritesEntitiesInFormatDetectedFromOutput(t *testing.T) {
	withLauncher(t, &testutil.FakeLauncher{Script: func(s *testutil.FakeServer) {
		s.SendHello(command.Version)
		s.ServeEntities(entity(7, "IfcWall"), entity(8, "IfcSlab"), entity(9, "IfcWall"))
		s.Farewell("3 products processed", 0)
	}})
	exe := testutil.TempFile(t, "IfcGeomServer", []byte("stub"))
	model := testutil.TempFile(t, "house.ifc", []byte("ISO-10303-21;\nEND-ISO-10303-21;\n"))
	out := filepath.Join(t.TempDir(), "house.cbor.zst")

	output, err := execute(t, testConfig(), "--executable", exe, "extract", model, "--out", out)
	require.NoError(t, err)
	assert.Contains(t, output, "3 entities (9 vertices, 3 faces)")
	assert.Contains(t, output, out)

	ids := []int32{}
	err = export.EachFile(out, func(entity geometry.Entity) error {
		ids = append(ids, entity.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int32{7, 8, 9}, ids)

	output, err = execute(t, testConfig(), "inspect", out, "--types")
	require.NoError(t, err)
	assert.Contains(t, output, "3 entities, 3 distinct, 9 vertices, 3 faces")
	assert.Regexp(t, `IfcWall\s+2`, output)
	assert.Regexp(t, `IfcSlab\s+1`, output)
}

func TestExtractDefaultsOutputNextToModel(t *testing.T) {
	withLauncher(t, &testutil.FakeLauncher{Script: func(s *testutil.FakeServer) {
		s.SendHello(command.Version)
		s.ServeEntities(entity(1, "IfcDoor"))
		s.Farewell("", 0)
	}})
	exe := testutil.TempFile(t, "IfcGeomServer", []byte("stub"))
	model := testutil.TempFile(t, "door.ifc", []byte("ISO-10303-21;\n"))

	_, err := execute(t, testConfig(), "--executable", exe, "extract", model, "--compress", "lz4")
	require.NoError(t, err)
	testutil.AssertFileExists(t, strings.TrimSuffix(model, ".ifc")+".jsonl.lz4")
}

func TestExtractRemovesOutputWhenHandshakeFails(t *testing.T) {
	withLauncher(t, &testutil.FakeLauncher{Script: func(s *testutil.FakeServer) {
		s.SendHello("IfcOpenShell-0.7.0-0")
	}})
	exe := testutil.TempFile(t, "IfcGeomServer", []byte("stub"))
	model := testutil.TempFile(t, "house.ifc", []byte("ISO-10303-21;\n"))
	out := filepath.Join(t.TempDir(), "house.jsonl")

	_, err := execute(t, testConfig(), "--executable", exe, "extract", model, "--out", out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IfcOpenShell-0.7.0-0")
	testutil.AssertFileNotExists(t, out)
}

func TestExtractRejectsMissingModelBeforeStartingServer(t *testing.T) {
	launcher := &testutil.FakeLauncher{Script: func(*testutil.FakeServer) {}}
	withLauncher(t, launcher)
	exe := testutil.TempFile(t, "IfcGeomServer", []byte("stub"))

	_, err := execute(t, testConfig(), "--executable", exe, "extract", filepath.Join(t.TempDir(), "none.ifc"))
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, launcher.Launches())
}

func TestHandshakeReportsServerVersion(t *testing.T) {
	launcher := &testutil.FakeLauncher{Script: func(s *testutil.FakeServer) {
		s.SendHello(command.Version)
		s.Farewell("", 0)
	}}
	withLauncher(t, launcher)
	exe := testutil.TempFile(t, "IfcGeomServer", []byte("stub"))

	output, err := execute(t, testConfig(), "--executable", exe, "handshake")
	require.NoError(t, err)
	assert.Contains(t, output, "speaks "+command.Version)
	assert.Equal(t, []string{exe}, launcher.Launches())

	server := launcher.Server()
	require.NoError(t, server.Wait(testutil.Context(t)))
	assert.Equal(t, []command.Tag{command.TagGetLog, command.TagBye}, server.Received())
}

func TestDoctorRunsEveryCheck(t *testing.T) {
	withLauncher(t, &testutil.FakeLauncher{Script: func(s *testutil.FakeServer) {
		s.SendHello(command.Version)
		s.Farewell("", 0)
	}})
	exe := testutil.TempFile(t, "IfcGeomServer", []byte("stub"))
	cfg := testConfig()
	cfg.CacheDir = t.TempDir()

	output, err := execute(t, cfg, "--executable", exe, "doctor")
	require.NoError(t, err)
	assert.Contains(t, output, "[ok  ] cache")
	assert.Contains(t, output, "[ok  ] executable")
	assert.Contains(t, output, "[ok  ] handshake  "+command.Version)
}

func TestDoctorFailsWhenHandshakeFails(t *testing.T) {
	withLauncher(t, &testutil.FakeLauncher{Script: func(s *testutil.FakeServer) {
		s.SendHello("IfcOpenShell-0.5.0-0")
	}})
	exe := testutil.TempFile(t, "IfcGeomServer", []byte("stub"))
	cfg := testConfig()
	cfg.CacheDir = t.TempDir()

	output, err := execute(t, cfg, "--executable", exe, "doctor")
	require.ErrorIs(t, err, errUnhealthy)
	assert.Contains(t, output, "[FAIL] handshake")
}

func TestProvisionFromPathSource(t *testing.T) {
	exe := testutil.TempFile(t, "IfcGeomServer", []byte("stub"))

	output, err := execute(t, testConfig(), "--executable", exe, "provision")
	require.NoError(t, err)
	assert.Contains(t, output, exe+" (path)")
}

func TestRootCommandRejectsUnknownSource(t *testing.T) {
	_, err := execute(t, testConfig(), "--source", "ftp", "provision")
	if err == nil || !strings.Contains(err.Error(), "source") {
		t.Fatalf("expected source validation error, got %v", err)
	}
}

func TestResolveOutputEncoding(t *testing.T) {
	tests := []struct {
		name        string
		out         string
		format      string
		compression string
		want        export.Format
		wantComp    export.Compression
	}{
		{name: "defaults", want: export.FormatJSONLines, wantComp: export.CompressionNone},
		{name: "from suffix", out: "a.cbor.lz4", want: export.FormatCBOR, wantComp: export.CompressionLZ4},
		{name: "flags win", out: "a.cbor", format: "jsonl", compression: "zst", want: export.FormatJSONLines, wantComp: export.CompressionZstd},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			format, compression, err := resolveOutputEncoding(tc.out, tc.format, tc.compression)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if format != tc.want || compression != tc.wantComp {
				t.Fatalf("got %s/%s, want %s/%s", format, compression, tc.want, tc.wantComp)
			}
		})
	}

	if _, _, err := resolveOutputEncoding("", "xml", ""); err == nil {
		t.Fatal("expected unknown format error")
	}
}

func TestLoadDotEnvIgnoresMissingFile(t *testing.T) {
	if err := loadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("missing .env: %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("IFCGEOM_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("IFCGEOM_TEST_DOTENV", "")
	os.Unsetenv("IFCGEOM_TEST_DOTENV")
	if err := loadDotEnv(path); err != nil {
		t.Fatalf("load .env: %v", err)
	}
	if got := os.Getenv("IFCGEOM_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("IFCGEOM_TEST_DOTENV = %q, want from-file", got)
	}
}

func execute(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(context.Background(), cfg, testLogger())
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(testutil.Context(t))
	return stdout.String(), err
}

func withLauncher(t *testing.T, launcher process.Launcher) {
	t.Helper()
	previous := launcherFn
	launcherFn = func() process.Launcher { return launcher }
	t.Cleanup(func() { launcherFn = previous })
}

func testConfig() *config.Config {
	return &config.Config{
		Source:          "release",
		PollInterval:    5 * time.Millisecond,
		PollAttempts:    20,
		FarewellTimeout: 100 * time.Millisecond,
		LogLevel:        "info",
		OTELEndpoint:    telemetry.DisabledEndpoint,
	}
}

func testLogger() *log.Logger {
	return log.NewWithOptions(&bytes.Buffer{}, log.Options{})
}

func entity(id int32, typ string) geometry.Entity {
	return geometry.Entity{
		ID:        id,
		GUID:      "2O2Fr$t4X7Zf8NOew3FLOH",
		Name:      typ,
		Type:      typ,
		Transform: []float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1},
		Positions: []float32{0, 0, 0, 1, 0, 0, 0, 1, 0},
		Normals:   []float32{0, 0, 1, 0, 0, 1, 0, 0, 1},
		Indices:   []int32{0, 1, 2},
	}
}
