package provision

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// ExecutableName is the server binary's base name without extension.
const ExecutableName = "IfcGeomServer"

// ErrUnsupportedPlatform means no server build exists for this operating
// system.
var ErrUnsupportedPlatform = errors.New("provision: platform not supported")

// Platform identifies a server build: OS is one of win, osx or linux.
type Platform struct {
	OS   string
	Bits int
}

// CurrentPlatform describes the machine the program runs on.
func CurrentPlatform() (Platform, error) {
	return platformFor(runtime.GOOS, strconv.IntSize)
}

func platformFor(goos string, bits int) (Platform, error) {
	switch goos {
	case "windows":
		return Platform{OS: "win", Bits: bits}, nil
	case "darwin":
		// Only 64-bit builds are published for macOS.
		return Platform{OS: "osx", Bits: 64}, nil
	case "linux":
		return Platform{OS: "linux", Bits: bits}, nil
	default:
		return Platform{}, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, goos)
	}
}

func (p Platform) String() string {
	return fmt.Sprintf("%s/%d", p.OS, p.Bits)
}

// ExecutableExt is ".exe" on Windows and empty elsewhere.
func (p Platform) ExecutableExt() string {
	if p.OS == "win" {
		return ".exe"
	}
	return ""
}

// RepositoryPath is where a source checkout keeps the prebuilt server:
// root/exe/<bits>/<os>/IfcGeomServer[.exe].
func RepositoryPath(root string, p Platform) string {
	return filepath.Join(root, "exe", strconv.Itoa(p.Bits), p.OS, ExecutableName+p.ExecutableExt())
}

// ReleaseLabel is the platform value used in the release descriptor, such
// as "macOS 64", "Linux 64" or "Win 32".
func ReleaseLabel(p Platform) string {
	if p.OS == "osx" {
		return "macOS 64"
	}
	if p.OS == "" {
		return ""
	}
	return strings.ToUpper(p.OS[:1]) + p.OS[1:] + " " + strconv.Itoa(p.Bits)
}
