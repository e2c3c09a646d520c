// ============================================================================
// Mesh-Dispatch Client - 提交與監控網格任務
// ============================================================================
//
// Package: internal/client
// 文件: client.go
// 功能: 連線 broker、查詢 worker 需求、提交任務、輪詢狀態、取得結果
//
// 使用流程:
//   c, err := client.New(ctx, endpoint)    // 連不上直接失敗
//   job, err := c.SubmitJob(ctx, cmd, t)   // 沒有 worker → InvalidJob, nil
//   c.MonitorJob(ctx, job)                 // 綁定並快取初始狀態
//   st, changed, err := c.JobProgress(ctx) // 終止狀態後不再發 RPC
//   res, err := c.JobResults(ctx)
//
// 錯誤分類:
//   - 傳輸錯誤（broker 無法連線）以 error 回傳，與任務生命週期分開
//   - 「沒有 worker」是正常結果：InvalidJob 且 error 為 nil
//
// Client 不支援多個 goroutine 同時使用。
//
// ============================================================================

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/mesh-dispatch/internal/protocol"
	"github.com/ChuLiYu/mesh-dispatch/pkg/types"
	"google.golang.org/grpc"
)

var log = slog.Default()

// DefaultConnectTimeout 建立連線時 Ping 的超時
const DefaultConnectTimeout = 5 * time.Second

var (
	// ErrConnectionFailed broker 無法連線
	ErrConnectionFailed = errors.New("failed to connect to broker")
	// ErrNoJobMonitored 尚未以 MonitorJob 綁定任務
	ErrNoJobMonitored = errors.New("no job is being monitored")
	// ErrResultNotReady 任務尚未 FINISHED
	ErrResultNotReady = errors.New("job result is not ready")
)

// Option Client 選項
type Option func(*options)

type options struct {
	connectTimeout time.Duration
	dialOptions    []grpc.DialOption
}

// WithConnectTimeout 設定建立連線時 Ping 的超時
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithDialOptions 附加 gRPC dial 選項
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOptions = append(o.dialOptions, opts...) }
}

// Client broker 客戶端
type Client struct {
	conn     *grpc.ClientConn
	rpc      protocol.BrokerClient
	endpoint types.Endpoint
	local    *LocalBroker

	job        types.Job
	monitoring bool
	lastStatus types.JobStatus
}

// New 連線到 endpoint 並 Ping；broker 無法連線時回傳 ErrConnectionFailed
func New(ctx context.Context, endpoint types.Endpoint, opts ...Option) (*Client, error) {
	o := options{connectTimeout: DefaultConnectTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	if !endpoint.Valid() {
		return nil, fmt.Errorf("%w: invalid endpoint %q", ErrConnectionFailed, endpoint.String())
	}

	dialOpts := append(protocol.DialOptions(), o.dialOptions...)
	conn, err := grpc.NewClient(endpoint.Address(), dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	c := newWithConn(conn, protocol.NewBrokerClient(conn), endpoint)

	pingCtx, cancel := context.WithTimeout(ctx, o.connectTimeout)
	defer cancel()
	if _, err := c.rpc.Ping(pingCtx, &protocol.PingRequest{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, endpoint.String(), err)
	}

	log.Debug("Connected to broker", "endpoint", endpoint.String())
	return c, nil
}

func newWithConn(conn *grpc.ClientConn, rpc protocol.BrokerClient, endpoint types.Endpoint) *Client {
	return &Client{
		conn:       conn,
		rpc:        rpc,
		endpoint:   endpoint,
		job:        types.InvalidJob(),
		lastStatus: types.InvalidStatus(types.InvalidJobID),
	}
}

// Connect 回報 endpoint 上的 broker 是否可連線
func Connect(ctx context.Context, endpoint types.Endpoint, opts ...Option) bool {
	c, err := New(ctx, endpoint, opts...)
	if err != nil {
		log.Debug("Connect failed", "endpoint", endpoint.String(), "error", err)
		return false
	}
	c.Close()
	return true
}

// Endpoint 連線位址，格式 tcp://host:port，僅供顯示
func (c *Client) Endpoint() string {
	return c.endpoint.String()
}

// Close 關閉連線；由 NewFromLocal 建立時一併終止本地 broker
func (c *Client) Close() error {
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	// 本地 broker 在連線之後關閉
	if c.local != nil && c.local.Broker != nil {
		if terr := c.local.Broker.Terminate(); terr != nil && err == nil {
			err = terr
		}
		c.local = nil
	}
	return err
}

// ============================================================================
// 能力查詢
// ============================================================================

// CanMesh 是否有 worker 服務 t
func (c *Client) CanMesh(ctx context.Context, t types.MeshIOType) (bool, error) {
	reply, err := c.rpc.CanMesh(ctx, &protocol.CanMeshRequest{Type: protocol.ToWireType(t)})
	if err != nil {
		return false, err
	}
	return reply.CanMesh, nil
}

// RetrieveRequirements 服務 t 的所有 worker 需求，可能為空集合
//
// 查詢在獨立 goroutine 執行，呼叫端仍然同步等待結果或 ctx 結束。
func (c *Client) RetrieveRequirements(ctx context.Context, t types.MeshIOType) (types.JobRequirementsSet, error) {
	type outcome struct {
		reply *protocol.RequirementsReply
		err   error
	}

	done := make(chan outcome, 1)
	go func() {
		reply, err := c.rpc.RetrieveRequirements(ctx, &protocol.RequirementsRequest{Type: protocol.ToWireType(t)})
		done <- outcome{reply, err}
	}()

	select {
	case <-ctx.Done():
		return types.JobRequirementsSet{}, ctx.Err()
	case out := <-done:
		if out.err != nil {
			return types.JobRequirementsSet{}, out.err
		}
		return protocol.FromWireRequirementsSet(out.reply.Requirements), nil
	}
}

// Workers broker 上發現的 worker
func (c *Client) Workers(ctx context.Context) ([]protocol.WorkerInfo, error) {
	reply, err := c.rpc.ListWorkers(ctx, &protocol.ListWorkersRequest{})
	if err != nil {
		return nil, err
	}
	return reply.Workers, nil
}

// ============================================================================
// 提交與監控
// ============================================================================

// SubmitJob 以服務 t 的第一個需求提交 command
//
// 沒有任何 worker 服務 t 時回傳 InvalidJob 與 nil error。
func (c *Client) SubmitJob(ctx context.Context, command string, t types.MeshIOType) (types.Job, error) {
	reqs, err := c.RetrieveRequirements(ctx, t)
	if err != nil {
		return types.InvalidJob(), err
	}

	first, ok := reqs.First()
	if !ok {
		log.Debug("No worker serves mesh type", "type", t.String())
		return types.InvalidJob(), nil
	}
	return c.SubmitWith(ctx, types.NewJobSubmission(first, command))
}

// SubmitWith 提交完整的 JobSubmission
func (c *Client) SubmitWith(ctx context.Context, sub types.JobSubmission) (types.Job, error) {
	reply, err := c.rpc.SubmitJob(ctx, protocol.ToWireSubmission(sub))
	if err != nil {
		return types.InvalidJob(), err
	}

	job := protocol.FromWireJob(reply.Job)
	if !job.Valid() {
		log.Debug("Submission rejected", "reason", reply.Reason)
	}
	return job, nil
}

// MonitorJob 綁定輪詢目標並快取其目前狀態
func (c *Client) MonitorJob(ctx context.Context, job types.Job) error {
	st, err := c.fetchStatus(ctx, job.ID)
	if err != nil {
		return err
	}
	c.job = job
	c.monitoring = true
	c.lastStatus = st
	return nil
}

// CurrentJob 目前綁定的任務
func (c *Client) CurrentJob() types.Job {
	return c.job
}

// JobProgress 輪詢綁定任務的狀態
//
// 快取狀態已是 FINISHED / FAILED 時直接回傳快取，不發 RPC。
// changed 只在 id、狀態或進度與快取不同時為 true。
func (c *Client) JobProgress(ctx context.Context) (st types.JobStatus, changed bool, err error) {
	if !c.monitoring {
		return types.InvalidStatus(types.InvalidJobID), false, ErrNoJobMonitored
	}
	if c.lastStatus.Terminal() {
		return c.lastStatus, false, nil
	}

	recv, err := c.fetchStatus(ctx, c.job.ID)
	if err != nil {
		return c.lastStatus, false, err
	}
	if !recv.Equal(c.lastStatus) {
		c.lastStatus = recv
		changed = true
	}
	return c.lastStatus, changed, nil
}

// JobResults 取得綁定任務的結果；未 FINISHED 時回傳 ErrResultNotReady
func (c *Client) JobResults(ctx context.Context) (types.JobResult, error) {
	if !c.monitoring {
		return types.JobResult{ID: types.InvalidJobID}, ErrNoJobMonitored
	}

	reply, err := c.rpc.RetrieveResults(ctx, &protocol.JobRequest{JobID: string(c.job.ID)})
	if err != nil {
		return types.JobResult{ID: types.InvalidJobID}, err
	}
	if reply.Result == nil {
		st := protocol.FromWireStatus(reply.Status)
		return types.JobResult{ID: types.InvalidJobID}, fmt.Errorf("%w: job %s is %s", ErrResultNotReady, c.job.ID, st.State)
	}
	return protocol.FromWireResult(reply.Result), nil
}

// HasJobFailed 查詢綁定任務的目前狀態並回報是否 FAILED；不會取消任務
func (c *Client) HasJobFailed(ctx context.Context) (bool, error) {
	if !c.monitoring {
		return false, ErrNoJobMonitored
	}
	st, err := c.fetchStatus(ctx, c.job.ID)
	if err != nil {
		return false, err
	}
	c.lastStatus = st
	return st.Failed(), nil
}

// CancelJob 要求 broker 取消綁定的任務
//
// 回傳 false 表示任務不存在或已終止；快取狀態更新為 broker 回覆的狀態。
func (c *Client) CancelJob(ctx context.Context) (bool, error) {
	if !c.monitoring {
		return false, ErrNoJobMonitored
	}
	reply, err := c.rpc.CancelJob(ctx, &protocol.JobRequest{JobID: string(c.job.ID)})
	if err != nil {
		return false, err
	}
	c.lastStatus = protocol.FromWireStatus(reply.Status)
	return reply.Cancelled, nil
}

func (c *Client) fetchStatus(ctx context.Context, id types.JobID) (types.JobStatus, error) {
	reply, err := c.rpc.JobStatus(ctx, &protocol.JobRequest{JobID: string(id)})
	if err != nil {
		return types.InvalidStatus(id), err
	}
	return protocol.FromWireStatus(reply.Status), nil
}
