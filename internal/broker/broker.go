// ============================================================================
// Mesh-Dispatch Broker - 本地 broker 生命週期
// ============================================================================
//
// Package: internal/broker
// 文件: broker.go
// 功能: 組裝 registry、controller、gRPC 服務與 worker HTTP API，
//       提供 Launch / Terminate 生命週期
//
// 狀態機:
//   NOT_STARTED ──Launch──> RUNNING ──Terminate──> STOPPED ──Launch──> RUNNING
//   - RUNNING 時再次 Launch 為 no-op
//   - NOT_STARTED / STOPPED 時 Terminate 為 no-op
//
// 每次 Launch:
//   1. 掃描 registry 一次，得到不可變的 worker 目錄
//   2. 綁定 client gRPC 與 worker HTTP 兩個監聽埠（0 表示由系統分配）
//   3. 建立新的 Prometheus registry、Collector 與 Controller
//
// ============================================================================

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/mesh-dispatch/internal/controller"
	"github.com/ChuLiYu/mesh-dispatch/internal/metrics"
	"github.com/ChuLiYu/mesh-dispatch/internal/protocol"
	"github.com/ChuLiYu/mesh-dispatch/internal/registry"
	"github.com/ChuLiYu/mesh-dispatch/internal/server"
	"github.com/ChuLiYu/mesh-dispatch/internal/worker"
	"github.com/ChuLiYu/mesh-dispatch/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
)

var log = slog.Default()

// DefaultHost broker 預設綁定位址
const DefaultHost = "127.0.0.1"

// Config Broker 配置
type Config struct {
	Host              string        // 綁定位址，空字串使用 DefaultHost
	ClientPort        int           // client gRPC 埠，0 表示自動分配
	WorkerPort        int           // worker HTTP 埠，0 表示自動分配
	SearchDirectories []string      // worker 描述檔搜尋目錄
	MaxWorkers        int           // 同時執行的 worker 數
	JobTimeout        time.Duration // 任務超時，0 表示不限制
	MinPollInterval   time.Duration
	MaxPollInterval   time.Duration

	// Registry 預先建立的 registry；nil 時由 SearchDirectories 建立
	Registry *registry.Registry
	// Executor worker 執行方式；nil 時使用 ProcessExecutor
	Executor worker.Executor
}

// Broker 本地 broker
type Broker struct {
	mu       sync.Mutex
	cfg      Config
	registry *registry.Registry

	stateMu sync.RWMutex
	state   types.BrokerState

	ctrl       *controller.Controller
	grpcServer *grpc.Server
	httpServer *http.Server
	endpoint   types.Endpoint
	workerAddr string
	collector  *metrics.Collector
	serveWg    sync.WaitGroup
}

// New 建立 Broker，狀態為 NOT_STARTED
func New(cfg Config) *Broker {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New(cfg.SearchDirectories...)
	}
	return &Broker{
		cfg:      cfg,
		registry: reg,
		state:    types.BrokerNotStarted,
	}
}

// Registry broker 使用的 worker registry
func (b *Broker) Registry() *registry.Registry {
	return b.registry
}

// Launch 啟動 broker；已在運行時直接回傳 nil
func (b *Broker) Launch() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.State() == types.BrokerRunning {
		return nil
	}

	catalog := b.registry.Scan()

	clientLis, err := net.Listen("tcp", net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.ClientPort)))
	if err != nil {
		return fmt.Errorf("failed to bind client port: %w", err)
	}
	workerLis, err := net.Listen("tcp", net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.WorkerPort)))
	if err != nil {
		clientLis.Close()
		return fmt.Errorf("failed to bind worker port: %w", err)
	}
	workerAddr := workerLis.Addr().String()

	executor := b.cfg.Executor
	if executor == nil {
		pe := worker.NewProcessExecutor()
		pe.ProgressURL = func(id types.JobID) string {
			return "http://" + workerAddr + "/v1/jobs/" + string(id) + "/progress"
		}
		executor = pe
	}

	// 每次 Launch 使用新的 registry，重啟時不會重複註冊
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	collector := metrics.NewCollector(promReg)

	ctrl := controller.NewController(controller.Config{
		MaxWorkers:      b.cfg.MaxWorkers,
		JobTimeout:      b.cfg.JobTimeout,
		MinPollInterval: b.cfg.MinPollInterval,
		MaxPollInterval: b.cfg.MaxPollInterval,
	}, catalog, executor, collector)
	if err := ctrl.Start(); err != nil {
		clientLis.Close()
		workerLis.Close()
		return fmt.Errorf("failed to start controller: %w", err)
	}

	gs := grpc.NewServer()
	protocol.RegisterBrokerServer(gs, server.NewServer(ctrl, b.State))

	hs := &http.Server{
		Handler:      server.NewWorkerHandler(ctrl, promReg).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	b.serveWg.Add(2)
	go func() {
		defer b.serveWg.Done()
		if err := gs.Serve(clientLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("gRPC server error", "error", err)
		}
	}()
	go func() {
		defer b.serveWg.Done()
		if err := hs.Serve(workerLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Worker HTTP server error", "error", err)
		}
	}()

	tcpAddr := clientLis.Addr().(*net.TCPAddr)
	b.ctrl = ctrl
	b.grpcServer = gs
	b.httpServer = hs
	b.collector = collector
	b.workerAddr = workerAddr
	b.endpoint = types.NewEndpoint(b.cfg.Host, tcpAddr.Port)
	b.setState(types.BrokerRunning)
	collector.SetBrokerAlive(true)

	log.Info("Broker launched",
		"endpoint", b.endpoint.String(),
		"workerAddr", workerAddr,
		"workers", catalog.Len())
	return nil
}

// Terminate 停止 broker；未在運行時直接回傳 nil
//
// 執行中的 worker 被終止，其任務與排隊中的任務轉為 FAILED。
func (b *Broker) Terminate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.State() != types.BrokerRunning {
		return nil
	}
	b.setState(types.BrokerStopped)

	log.Info("Terminating broker", "endpoint", b.endpoint.String())

	b.grpcServer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var shutdownErr error
	if err := b.httpServer.Shutdown(ctx); err != nil {
		shutdownErr = fmt.Errorf("failed to shut down worker HTTP server: %w", err)
	}

	b.ctrl.Stop()
	b.collector.SetBrokerAlive(false)
	b.serveWg.Wait()

	b.endpoint = types.Endpoint{}
	b.workerAddr = ""

	log.Info("Broker terminated")
	return shutdownErr
}

// IsAlive 是否在運行
func (b *Broker) IsAlive() bool {
	return b.State() == types.BrokerRunning
}

// State 目前的生命週期狀態
func (b *Broker) State() types.BrokerState {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state
}

func (b *Broker) setState(s types.BrokerState) {
	b.stateMu.Lock()
	b.state = s
	b.stateMu.Unlock()
}

// Host 綁定位址；未運行時為空字串
func (b *Broker) Host() string {
	return b.Endpoint().Host
}

// Port client gRPC 埠；未運行時為 0
func (b *Broker) Port() int {
	return b.Endpoint().Port
}

// Endpoint client 連線位址；未運行時為無效 Endpoint
func (b *Broker) Endpoint() types.Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endpoint
}

// WorkerAddress worker HTTP API 位址
func (b *Broker) WorkerAddress() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.workerAddr
}

// Controller 目前的 Controller；未運行時為 nil
func (b *Broker) Controller() *controller.Controller {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.State() != types.BrokerRunning {
		return nil
	}
	return b.ctrl
}
