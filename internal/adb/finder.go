package adb

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// FindADB attempts to locate the ADB executable. An explicit path wins, then
// the Android SDK environment variables, then well-known install locations
// and finally PATH.
func FindADB(preferredPath string) (string, error) {
	if preferredPath != "" {
		if info, err := os.Stat(preferredPath); err == nil {
			if !info.IsDir() {
				return preferredPath, nil
			}
			candidate := filepath.Join(preferredPath, adbBinary())
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
		return "", fmt.Errorf("adb not found at %s", preferredPath)
	}

	for _, path := range candidatePaths() {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if adbPath, err := exec.LookPath(adbBinary()); err == nil {
		return adbPath, nil
	}

	return "", fmt.Errorf("adb not found, please specify device.adb_path in config")
}

func adbBinary() string {
	if runtime.GOOS == "windows" {
		return "adb.exe"
	}
	return "adb"
}

func candidatePaths() []string {
	var paths []string
	for _, env := range []string{"ANDROID_HOME", "ANDROID_SDK_ROOT"} {
		if root := os.Getenv(env); root != "" {
			paths = append(paths, filepath.Join(root, "platform-tools", adbBinary()))
		}
	}

	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			paths = append(paths, filepath.Join(local, "Android", "Sdk", "platform-tools", "adb.exe"))
		}
		paths = append(paths, `C:\Android\sdk\platform-tools\adb.exe`)
	case "darwin":
		paths = append(paths, "/opt/homebrew/bin/adb", "/usr/local/bin/adb")
		if home != "" {
			paths = append(paths, filepath.Join(home, "Library", "Android", "sdk", "platform-tools", "adb"))
		}
	default:
		paths = append(paths, "/usr/bin/adb", "/usr/local/bin/adb")
		if home != "" {
			paths = append(paths, filepath.Join(home, "Android", "Sdk", "platform-tools", "adb"))
		}
	}
	return paths
}

// ConnectADB finds adb, picks a device and connects to it
func ConnectADB(ctx context.Context, adbPath, serial string) (*Controller, error) {
	path, err := FindADB(adbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to find ADB: %w", err)
	}

	if serial == "" {
		d, err := DefaultDevice(ctx, path, "")
		if err != nil {
			return nil, err
		}
		serial = d.Serial
	}

	ctrl := NewController(path, serial)
	if err := ctrl.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to device: %w", err)
	}

	return ctrl, nil
}
