// ============================================================================
// meshd 主程式入口
// ============================================================================
//
// 所有邏輯在 internal/cli，main 只負責建立並執行根命令。
//
// 編譯時注入版本:
//   go build -ldflags "-X main.version=1.0.0 -X main.commit=$(git rev-parse HEAD)" ./cmd/meshd
//
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/mesh-dispatch/internal/cli"
)

var (
	version = "dev" // 由 CI 注入
	commit  = "unknown"
)

func main() {
	// Panic recovery（防止整個程式崩潰）
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	if version != "dev" {
		rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
