package registry

import (
	"os"
	"path/filepath"
	"runtime"
)

// 相對於執行檔位置的搜尋路徑（開發環境與安裝目錄都能找到 worker）
var relativeLocations = []string{
	"bin",
	"..",
	"../bin",
	"../../bin",
	"../..",
	"../../../bin",
	"../../..",
}

// Windows 開發機上的 Debug/Release 子目錄
var windowsLocations = []string{
	"../../../bin/Debug",
	"../../../bin/Release",
	"../../bin/Debug",
	"../../bin/Release",
	"../bin/Debug",
	"../bin/Release",
	"bin/Debug",
	"bin/Release",
}

// DefaultSearchLocations returns execDir followed by the conventional
// worker locations relative to it.
func DefaultSearchLocations(execDir string) []string {
	return searchLocations(execDir, runtime.GOOS)
}

func searchLocations(execDir, goos string) []string {
	rel := relativeLocations
	if goos == "windows" {
		rel = append(append([]string{}, relativeLocations...), windowsLocations...)
	}

	out := make([]string, 0, len(rel)+1)
	out = append(out, filepath.Clean(execDir))
	for _, r := range rel {
		out = append(out, filepath.Join(execDir, filepath.FromSlash(r)))
	}
	return out
}

// ExecutableDir returns the directory of the running binary, falling back
// to the working directory.
func ExecutableDir() string {
	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		return filepath.Dir(exe)
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}
