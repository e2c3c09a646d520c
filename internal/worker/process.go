// ============================================================================
// Mesh-Dispatch Process Executor - 啟動 worker 可執行檔
// ============================================================================
//
// Package: internal/worker
// 文件: process.go
// 功能: 以獨立進程執行 worker，透過 stdin/stdout 與環境變數交換資料
//
// Worker 進程協定:
//   stdin                  提交內容中的 "data"
//   MESHD_JOB_ID           任務 ID
//   MESHD_RESULT_PATH      結果檔路徑（worker 寫入輸出）
//   MESHD_PROGRESS_URL     可選，HTTP 進度回報位址（POST {"progress": n}）
//   stdout "progress <n>"  進度回報（整行），其餘位元組原樣視為輸出
//
// 結束狀態:
//   exit 0                 成功；結果檔為空時改用 stdout 的非進度輸出
//   exit != 0 / 被訊號終止  失敗
//   ctx 取消或超時          進程被 kill，失敗
//
// ============================================================================

package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/mesh-dispatch/pkg/types"
)

// 傳給 worker 進程的環境變數
const (
	EnvJobID       = "MESHD_JOB_ID"
	EnvResultPath  = "MESHD_RESULT_PATH"
	EnvProgressURL = "MESHD_PROGRESS_URL"
)

const maxStderr = 4 << 10

// ProcessExecutor 以 os/exec 啟動描述檔指定的可執行檔
type ProcessExecutor struct {
	// ProgressURL 產生任務的 HTTP 進度回報位址；nil 時不設定 MESHD_PROGRESS_URL
	ProgressURL func(id types.JobID) string
	// TempDir 存放結果檔的目錄，空字串使用系統預設
	TempDir string
	// KillDelay ctx 取消後等待 I/O 結束的時間
	KillDelay time.Duration
}

// NewProcessExecutor 建立進程執行器
func NewProcessExecutor() *ProcessExecutor {
	return &ProcessExecutor{KillDelay: 2 * time.Second}
}

// Execute 實作 Executor
func (e *ProcessExecutor) Execute(ctx context.Context, task Task, report func(int)) ([]byte, error) {
	if task.Descriptor.Executable == "" {
		return nil, errors.New("task has no worker executable")
	}

	resultFile, err := os.CreateTemp(e.TempDir, "meshd-result-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create result file: %w", err)
	}
	resultPath := resultFile.Name()
	resultFile.Close()
	defer os.Remove(resultPath)

	cmd := exec.CommandContext(ctx, task.Descriptor.Executable, task.Descriptor.Arguments...)
	cmd.Stdin = bytes.NewReader(task.Content)
	cmd.Env = append(os.Environ(),
		EnvJobID+"="+string(task.JobID),
		EnvResultPath+"="+resultPath,
	)
	if e.ProgressURL != nil {
		cmd.Env = append(cmd.Env, EnvProgressURL+"="+e.ProgressURL(task.JobID))
	}
	cmd.WaitDelay = e.KillDelay

	var stderr limitedBuffer
	cmd.Stderr = &stderr

	// 由 os/exec 負責複製 stdout，WaitDelay 才能在孫進程持有管線時生效
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("failed to start worker %s: %w", task.Descriptor.Name, err)
	}

	var output bytes.Buffer
	var readErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		readErr = splitOutput(pr, &output, report)
		if readErr != nil {
			io.Copy(io.Discard, pr)
		}
	}()

	waitErr := cmd.Wait()
	pw.Close()
	<-done

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("worker %s failed: %w: %s", task.Descriptor.Name, waitErr, msg)
		}
		return nil, fmt.Errorf("worker %s failed: %w", task.Descriptor.Name, waitErr)
	}

	if readErr != nil {
		return nil, fmt.Errorf("failed to read worker output: %w", readErr)
	}

	data, err := os.ReadFile(resultPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker result: %w", err)
	}
	if len(data) == 0 {
		data = output.Bytes()
	}
	return data, nil
}

// maxProgressLine 超過此長度的行不會被當作進度回報
const maxProgressLine = 64

// splitOutput 把 stdout 原樣寫入 output，只移除完整的 "progress <n>" 行
func splitOutput(r io.Reader, output *bytes.Buffer, report func(int)) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if p, ok := progressLine(line); ok {
				report(p)
			} else {
				output.Write(line)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// progressLine 只接受以換行結尾的短行
func progressLine(line []byte) (int, bool) {
	if len(line) > maxProgressLine || line[len(line)-1] != '\n' {
		return 0, false
	}
	return parseProgress(string(bytes.TrimRight(line, "\r\n")))
}

// parseProgress 解析 "progress <n>"
func parseProgress(line string) (int, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "progress") {
		return 0, false
	}
	p, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return p, true
}

// limitedBuffer 只保留前 maxStderr 位元組
type limitedBuffer struct {
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := maxStderr - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
