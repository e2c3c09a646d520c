// Package types 定義了 mesh-dispatch 系統中使用的核心領域模型
package types

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ============================================================================
// Mesh 類型
// ============================================================================

// MeshKind 網格表示種類（輸入或輸出）
type MeshKind string

// 已知的網格種類
const (
	KindEdges        MeshKind = "edges"
	KindMesh2D       MeshKind = "mesh2d"
	KindMesh3D       MeshKind = "mesh3d"
	KindModel        MeshKind = "model"
	KindSurface      MeshKind = "surface"
	KindVolume       MeshKind = "volume"
	KindUnstructured MeshKind = "unstructured"
)

var knownKinds = map[MeshKind]struct{}{
	KindEdges:        {},
	KindMesh2D:       {},
	KindMesh3D:       {},
	KindModel:        {},
	KindSurface:      {},
	KindVolume:       {},
	KindUnstructured: {},
}

// ParseMeshKind 不分大小寫地解析種類名稱，未知種類原樣保留（Valid() 會回傳 false）
func ParseMeshKind(s string) MeshKind {
	return MeshKind(strings.ToLower(strings.TrimSpace(s)))
}

// Valid 檢查種類是否屬於已知集合
func (k MeshKind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// KnownKinds 回傳所有已知種類（排序後）
func KnownKinds() []MeshKind {
	kinds := make([]MeshKind, 0, len(knownKinds))
	for k := range knownKinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// MeshIOType 描述 worker 執行的轉換：(輸入種類, 輸出種類)
// 可直接比較，作為能力查詢的 map key
type MeshIOType struct {
	Input  MeshKind `json:"input" yaml:"input"`
	Output MeshKind `json:"output" yaml:"output"`
}

// InvalidMeshIOType 零值，不會匹配任何 worker
var InvalidMeshIOType = MeshIOType{}

// NewMeshIOType 建立 MeshIOType
func NewMeshIOType(input, output MeshKind) MeshIOType {
	return MeshIOType{Input: input, Output: output}
}

// Valid 兩個種類都必須是已知種類
func (t MeshIOType) Valid() bool {
	return t.Input.Valid() && t.Output.Valid()
}

func (t MeshIOType) String() string {
	return fmt.Sprintf("%s->%s", t.Input, t.Output)
}

// ============================================================================
// Job 識別
// ============================================================================

// JobID 任務唯一識別碼（UUID 文字）
type JobID string

// InvalidJobID 代表「提交失敗」的哨兵值
var InvalidJobID = JobID(uuid.Nil.String())

// NewJobID 產生新的任務 ID
func NewJobID() JobID {
	return JobID(uuid.NewString())
}

// Valid 檢查 ID 是否為合法且非哨兵的 UUID
func (id JobID) Valid() bool {
	u, err := uuid.Parse(string(id))
	return err == nil && u != uuid.Nil
}

// Job 由 broker 在提交成功後回傳的任務識別
type Job struct {
	ID   JobID      `json:"id"`
	Type MeshIOType `json:"type"`
}

// InvalidJob 回傳哨兵任務
func InvalidJob() Job {
	return Job{ID: InvalidJobID, Type: InvalidMeshIOType}
}

// Valid 是否為有效任務
func (j Job) Valid() bool {
	return j.ID.Valid()
}

// ============================================================================
// Job 狀態
// ============================================================================

// JobState 任務狀態
type JobState string

// 定義任務狀態常數
const (
	StateInvalid    JobState = "invalid"     // 未知或不存在的任務
	StateQueued     JobState = "queued"      // 已提交，等待 worker
	StateInProgress JobState = "in_progress" // worker 執行中
	StateFinished   JobState = "finished"    // 成功完成，可取得結果
	StateFailed     JobState = "failed"      // 失敗（崩潰、非零退出、超時、取消）
)

// rank 狀態排序：QUEUED < IN_PROGRESS < {FINISHED, FAILED}
func (s JobState) rank() int {
	switch s {
	case StateQueued:
		return 1
	case StateInProgress:
		return 2
	case StateFinished, StateFailed:
		return 3
	default:
		return 0
	}
}

// Terminal 是否為終止狀態
func (s JobState) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

// Before 回傳 s 是否嚴格早於 other
func (s JobState) Before(other JobState) bool {
	return s.rank() < other.rank()
}

// JobStatus broker 回報的任務狀態（由 client 拉取）
type JobStatus struct {
	ID       JobID    `json:"id"`
	State    JobState `json:"state"`
	Progress int      `json:"progress"` // 0–100，只在 IN_PROGRESS 有意義
	Message  string   `json:"message,omitempty"`
}

// InvalidStatus 回傳指定 ID 的 INVALID 狀態
func InvalidStatus(id JobID) JobStatus {
	return JobStatus{ID: id, State: StateInvalid}
}

func (s JobStatus) Finished() bool { return s.State == StateFinished }
func (s JobStatus) Failed() bool   { return s.State == StateFailed }
func (s JobStatus) Terminal() bool { return s.State.Terminal() }

// Good 任務仍在正常流程中（排隊或執行中）
func (s JobStatus) Good() bool {
	return s.State == StateQueued || s.State == StateInProgress
}

// Equal 比較 id、狀態與進度（與 Message 無關）
func (s JobStatus) Equal(other JobStatus) bool {
	return s.ID == other.ID && s.State == other.State && s.Progress == other.Progress
}

// ============================================================================
// Requirements / Submission / Result
// ============================================================================

// JobRequirements 描述某 worker 接受任務所需的內容
type JobRequirements struct {
	WorkerName string     `json:"worker_name"`
	Type       MeshIOType `json:"type"`
	SourceType string     `json:"source_type,omitempty"` // e.g. "memory", "file"
	FormatType string     `json:"format_type,omitempty"` // e.g. "json", "xml", "user"
	Tag        string     `json:"tag,omitempty"`
}

func (r JobRequirements) key() string {
	return r.WorkerName + "\x00" + r.Type.String() + "\x00" + r.Tag
}

// JobRequirementsSet 去重且依 worker 名稱排序的集合
type JobRequirementsSet struct {
	items []JobRequirements
}

// NewJobRequirementsSet 由任意順序的項目建立集合
func NewJobRequirementsSet(reqs ...JobRequirements) JobRequirementsSet {
	var s JobRequirementsSet
	for _, r := range reqs {
		s.Add(r)
	}
	return s
}

// Add 加入項目，已存在則忽略
func (s *JobRequirementsSet) Add(r JobRequirements) bool {
	k := r.key()
	i := sort.Search(len(s.items), func(i int) bool { return s.items[i].key() >= k })
	if i < len(s.items) && s.items[i].key() == k {
		return false
	}
	s.items = append(s.items, JobRequirements{})
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = r
	return true
}

func (s JobRequirementsSet) Len() int { return len(s.items) }

// Items 回傳副本
func (s JobRequirementsSet) Items() []JobRequirements {
	out := make([]JobRequirements, len(s.items))
	copy(out, s.items)
	return out
}

// First 依迭代順序取得第一個項目
func (s JobRequirementsSet) First() (JobRequirements, bool) {
	if len(s.items) == 0 {
		return JobRequirements{}, false
	}
	return s.items[0], true
}

// ContentDataKey 命令字串在提交內容中的 key
const ContentDataKey = "data"

// JobContent 提交內容中的單一資料塊
type JobContent struct {
	Format string `json:"format,omitempty"`
	Data   []byte `json:"data"`
}

// JobSubmission 要提交給 broker 的內容（建立後不可修改）
type JobSubmission struct {
	Requirements JobRequirements       `json:"requirements"`
	Content      map[string]JobContent `json:"content"`
}

// NewJobSubmission 以命令字串建立提交內容
func NewJobSubmission(reqs JobRequirements, command string) JobSubmission {
	return JobSubmission{
		Requirements: reqs,
		Content: map[string]JobContent{
			ContentDataKey: {Format: reqs.FormatType, Data: []byte(command)},
		},
	}
}

// Command 取出 "data" 內容
func (s JobSubmission) Command() []byte {
	return s.Content[ContentDataKey].Data
}

// JobResult 任務輸出（僅在 FINISHED 之後可取得）
type JobResult struct {
	ID     JobID  `json:"id"`
	Format string `json:"format,omitempty"`
	Data   []byte `json:"data"`
}

// Valid 結果是否屬於有效任務
func (r JobResult) Valid() bool {
	return r.ID.Valid()
}

// ============================================================================
// Broker 生命週期與 Endpoint
// ============================================================================

// BrokerState broker 生命週期狀態
type BrokerState string

const (
	BrokerNotStarted BrokerState = "not_started"
	BrokerRunning    BrokerState = "running"
	BrokerStopped    BrokerState = "stopped"
)

// DefaultScheme 預設傳輸標籤
const DefaultScheme = "tcp"

// Endpoint broker 的可連線位址
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
}

// NewEndpoint 以 tcp scheme 建立 Endpoint
func NewEndpoint(host string, port int) Endpoint {
	return Endpoint{Scheme: DefaultScheme, Host: host, Port: port}
}

// String 回傳 "<scheme>://<host>:<port>"
func (e Endpoint) String() string {
	scheme := e.Scheme
	if scheme == "" {
		scheme = DefaultScheme
	}
	return fmt.Sprintf("%s://%s", scheme, e.Address())
}

// Address 回傳 host:port（供撥號使用）
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Valid host 非空且 port 合法
func (e Endpoint) Valid() bool {
	return e.Host != "" && e.Port > 0 && e.Port < 65536
}

// ParseEndpoint 接受 "tcp://host:port" 或 "host:port"
func ParseEndpoint(s string) (Endpoint, error) {
	scheme := DefaultScheme
	rest := strings.TrimSpace(s)
	if i := strings.Index(rest, "://"); i >= 0 {
		scheme = rest[:i]
		rest = rest[i+3:]
	}
	if scheme != DefaultScheme {
		return Endpoint{}, fmt.Errorf("unsupported endpoint scheme %q", scheme)
	}
	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint port %q: %w", portStr, err)
	}
	ep := Endpoint{Scheme: scheme, Host: host, Port: port}
	if !ep.Valid() {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q", s)
	}
	return ep, nil
}
