package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/mesh-dispatch/internal/registry"
	"github.com/ChuLiYu/mesh-dispatch/pkg/types"
)

// Task 代表要交給 worker 進程執行的網格任務
type Task struct {
	JobID      types.JobID               // 任務唯一識別碼
	Descriptor registry.WorkerDescriptor // 要啟動的 worker
	Content    []byte                    // 提交內容中 "data" 的資料，寫入 stdin
	Timeout    time.Duration             // 執行超時時間，0 表示不限制

	ctx context.Context // 由 Pool.Submit 建立，Cancel 時取消
}

// Result 代表任務執行結果
type Result struct {
	JobID     types.JobID   // 任務 ID
	Worker    string        // worker 名稱
	Success   bool          // 執行是否成功
	Data      []byte        // worker 輸出
	Format    string        // 輸出格式（來自描述檔）
	Err       error         // 錯誤訊息（如果有）
	Progress  int           // 結束前最後回報的進度
	Cancelled bool          // 是否因 Cancel 而結束
	Duration  time.Duration // 實際執行時間
}

// Progress 執行中任務的進度回報
type Progress struct {
	JobID types.JobID
	Value int
}
