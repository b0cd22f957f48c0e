// Package platform detects the host OS and the capabilities agent-watch
// relies on (desktop app activation, reliable fsnotify).
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Platform represents the detected platform
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL1    Platform = "wsl1"
	PlatformWSL2    Platform = "wsl2"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

var (
	detectOnce       sync.Once
	detectedPlatform Platform
)

// Detect returns the current platform, caching the result
func Detect() Platform {
	detectOnce.Do(func() {
		detectedPlatform = detect(runtime.GOOS, readProcVersion)
	})
	return detectedPlatform
}

func readProcVersion() string {
	b, err := os.ReadFile("/proc/version")
	if err != nil {
		return ""
	}
	return string(b)
}

func detect(goos string, procVersion func() string) Platform {
	switch goos {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		return detectLinuxOrWSL(os.Getenv("WSL_DISTRO_NAME"), procVersion())
	default:
		return PlatformUnknown
	}
}

// detectLinuxOrWSL distinguishes between native Linux and WSL (1 or 2)
func detectLinuxOrWSL(distro, procVersion string) Platform {
	isWSL := distro != "" ||
		strings.Contains(procVersion, "microsoft") ||
		strings.Contains(procVersion, "Microsoft")
	if !isWSL {
		return PlatformLinux
	}

	// WSL2 kernels report "microsoft-standard"; WSL1 reports "Microsoft".
	if strings.Contains(procVersion, "microsoft-standard") {
		return PlatformWSL2
	}
	if strings.Contains(procVersion, "Microsoft") {
		return PlatformWSL1
	}
	if _, err := os.Stat("/run/WSL"); err == nil {
		return PlatformWSL2
	}
	return PlatformWSL1
}

// IsWSL returns true if running in any WSL environment
func IsWSL() bool {
	p := Detect()
	return p == PlatformWSL1 || p == PlatformWSL2
}

// SupportsAppActivation reports whether desktop applications can be brought
// to the front by name. Only macOS (osascript) is supported.
func SupportsAppActivation() bool {
	return Detect() == PlatformMacOS
}

// String returns a human-readable platform name
func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformLinux:
		return "Linux"
	case PlatformWSL1:
		return "WSL1"
	case PlatformWSL2:
		return "WSL2"
	case PlatformWindows:
		return "Windows"
	default:
		return "Unknown"
	}
}

// CheckFsnotifySupport returns a warning when path lives on a filesystem
// where fsnotify events are unreliable (9p, nfs, cifs, sshfs). The hook
// spool watcher logs it and falls back to polling.
func CheckFsnotifySupport(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	mounts, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return ""
	}
	return fsTypeWarning(path, string(mounts))
}

func fsTypeWarning(path, mounts string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return ""
	}

	// Format: device mountpoint fstype options ...; longest mountpoint wins.
	var matchedMount, fsType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if strings.HasPrefix(absPath, fields[1]) && len(fields[1]) > len(matchedMount) {
			matchedMount = fields[1]
			fsType = fields[2]
		}
	}

	switch {
	case fsType == "9p":
		return "spool on 9p mount (WSL2 Windows filesystem): fsnotify disabled"
	case fsType == "nfs" || fsType == "nfs4":
		return "spool on NFS mount: fsnotify may be unreliable"
	case fsType == "cifs" || fsType == "smbfs":
		return "spool on CIFS/SMB mount: fsnotify may be unreliable"
	case strings.HasPrefix(fsType, "fuse.sshfs"):
		return "spool on SSHFS mount: fsnotify disabled"
	}
	return ""
}
