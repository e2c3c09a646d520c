package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/mesh-dispatch/internal/broker"
	"github.com/ChuLiYu/mesh-dispatch/internal/client"
	"github.com/ChuLiYu/mesh-dispatch/internal/protocol"
	"github.com/ChuLiYu/mesh-dispatch/internal/registry"
	"github.com/ChuLiYu/mesh-dispatch/pkg/types"
	"github.com/spf13/cobra"
)

// defaultPollInterval submit --wait 的輪詢間隔
const defaultPollInterval = 200 * time.Millisecond

// ============================================================================
// broker
// ============================================================================

func buildBrokerCommand() *cobra.Command {
	var (
		host       string
		clientPort int
		workerPort int
		maxWorkers int
	)

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Start a broker and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}

			// 命令列參數優先於配置文件
			flags := cmd.Flags()
			if flags.Changed("host") {
				cfg.Broker.Host = host
			}
			if flags.Changed("client-port") {
				cfg.Broker.ClientPort = clientPort
			}
			if flags.Changed("worker-port") {
				cfg.Broker.WorkerPort = workerPort
			}
			if flags.Changed("max-workers") {
				cfg.Broker.MaxWorkers = maxWorkers
			}

			return runBroker(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().StringVar(&host, "host", broker.DefaultHost, "address to bind")
	cmd.Flags().IntVar(&clientPort, "client-port", 0, "client gRPC port (0 picks a free port)")
	cmd.Flags().IntVar(&workerPort, "worker-port", 0, "worker HTTP port (0 picks a free port)")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "concurrent worker processes (0 uses the default)")

	return cmd
}

func runBroker(ctx context.Context, out io.Writer, cfg *Config) error {
	b := broker.New(cfg.brokerConfig())
	if err := b.Launch(); err != nil {
		return fmt.Errorf("failed to launch broker: %w", err)
	}

	fmt.Fprintf(out, "Broker listening on %s\n", b.Endpoint())
	fmt.Fprintf(out, "Worker API on http://%s\n", b.WorkerAddress())
	fmt.Fprintf(out, "Workers discovered: %d\n", len(b.Controller().Workers()))

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		fmt.Fprintf(out, "\nReceived signal %v, shutting down...\n", sig)
	case <-ctx.Done():
	}

	if err := b.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate broker: %w", err)
	}
	fmt.Fprintln(out, "Broker stopped")
	return nil
}

// ============================================================================
// workers
// ============================================================================

func buildWorkersCommand() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List discovered workers",
		Long: `List workers found in the configured search directories.
With --endpoint the running broker is asked instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}

			if endpoint == "" {
				reg := registry.New(cfg.searchDirectories()...)
				var infos []protocol.WorkerInfo
				for _, d := range reg.Discover() {
					infos = append(infos, protocol.ToWireWorker(d))
				}
				return printWorkers(cmd.OutOrStdout(), infos)
			}

			c, err := dialBroker(cmd.Context(), cfg, endpoint)
			if err != nil {
				return err
			}
			defer c.Close()

			infos, err := c.Workers(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list workers: %w", err)
			}
			return printWorkers(cmd.OutOrStdout(), infos)
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "broker endpoint (tcp://host:port)")
	return cmd
}

func printWorkers(out io.Writer, infos []protocol.WorkerInfo) error {
	if len(infos) == 0 {
		fmt.Fprintln(out, "No workers found")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tINPUT\tOUTPUT\tFORMAT\tTAG\tEXECUTABLE")
	for _, w := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			w.Name, w.Type.Input, w.Type.Output, w.FileFormat, w.Tag, w.Executable)
	}
	return tw.Flush()
}

// ============================================================================
// submit
// ============================================================================

type submitOptions struct {
	endpoint string
	input    string
	output   string
	file     string
	command  string
	outFile  string
	wait     bool
	local    bool
}

func buildSubmitCommand() *cobra.Command {
	var opts submitOptions

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a meshing job",
		Long: `Submit job data to the first worker that serves --input -> --output.

Examples:
  meshd submit --input surface --output volume -f model.json --wait
  meshd submit --input surface --output surface --command '{"cells": 12}' --local`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			return submitJob(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), cfg, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.endpoint, "endpoint", "", "broker endpoint (tcp://host:port)")
	flags.StringVar(&opts.input, "input", "", "input mesh kind")
	flags.StringVar(&opts.output, "output", "", "output mesh kind")
	flags.StringVarP(&opts.file, "file", "f", "", "job data file (- reads stdin)")
	flags.StringVar(&opts.command, "command", "", "inline job data")
	flags.StringVarP(&opts.outFile, "out", "o", "", "write the result here instead of stdout")
	flags.BoolVar(&opts.wait, "wait", false, "wait for the job to finish")
	flags.BoolVar(&opts.local, "local", false, "run the job on an in-process broker (implies --wait)")

	return cmd
}

func submitJob(ctx context.Context, in io.Reader, out io.Writer, cfg *Config, opts submitOptions) error {
	meshType, err := parseMeshType(opts.input, opts.output)
	if err != nil {
		return err
	}
	data, err := readJobData(in, opts)
	if err != nil {
		return err
	}

	var c *client.Client
	if opts.local {
		local := client.LaunchLocalBroker(cfg.brokerConfig())
		c, err = client.NewFromLocal(ctx, local, clientOptions(cfg)...)
		opts.wait = true
	} else {
		c, err = dialBroker(ctx, cfg, opts.endpoint)
	}
	if err != nil {
		return err
	}
	defer c.Close()

	job, err := c.SubmitJob(ctx, data, meshType)
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}
	if !job.Valid() {
		return fmt.Errorf("no worker can mesh %s", meshType)
	}
	fmt.Fprintf(out, "Submitted job %s\n", job.ID)

	if !opts.wait {
		return nil
	}

	st, err := waitForJob(ctx, c, out, job, cfg.Client.PollInterval)
	if err != nil {
		return err
	}
	if !st.Finished() {
		return fmt.Errorf("job %s failed: %s", job.ID, st.Message)
	}

	result, err := c.JobResults(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve result: %w", err)
	}
	return writeResult(out, opts.outFile, result.Data)
}

func readJobData(in io.Reader, opts submitOptions) (string, error) {
	switch {
	case opts.file != "" && opts.command != "":
		return "", errors.New("--file and --command are mutually exclusive")
	case opts.command != "":
		return opts.command, nil
	case opts.file == "-":
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("failed to read job data: %w", err)
		}
		return string(data), nil
	case opts.file != "":
		data, err := os.ReadFile(opts.file)
		if err != nil {
			return "", fmt.Errorf("failed to read job file: %w", err)
		}
		return string(data), nil
	default:
		return "", errors.New("either --file or --command is required")
	}
}

// waitForJob 輪詢直到任務終止，狀態改變時輸出一行
func waitForJob(ctx context.Context, c *client.Client, out io.Writer, job types.Job, interval time.Duration) (types.JobStatus, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if err := c.MonitorJob(ctx, job); err != nil {
		return types.InvalidStatus(job.ID), fmt.Errorf("failed to monitor job: %w", err)
	}

	first := true
	for {
		st, changed, err := c.JobProgress(ctx)
		if err != nil {
			return st, fmt.Errorf("failed to poll job: %w", err)
		}
		if changed || first {
			printStatus(out, st)
			first = false
		}
		if st.Terminal() {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func writeResult(out io.Writer, path string, data []byte) error {
	if path == "" {
		_, err := out.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	fmt.Fprintf(out, "Result written to %s (%d bytes)\n", path, len(data))
	return nil
}

// ============================================================================
// status / cancel
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJob(cmd, endpoint, args[0], func(ctx context.Context, c *client.Client) error {
				st, _, err := c.JobProgress(ctx)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "broker endpoint (tcp://host:port)")
	return cmd
}

func buildCancelCommand() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJob(cmd, endpoint, args[0], func(ctx context.Context, c *client.Client) error {
				cancelled, err := c.CancelJob(ctx)
				if err != nil {
					return fmt.Errorf("failed to cancel job: %w", err)
				}
				job := c.CurrentJob()
				st, _, _ := c.JobProgress(ctx)
				if !cancelled {
					return fmt.Errorf("job %s was not cancelled (%s)", job.ID, st.State)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s\n", job.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "broker endpoint (tcp://host:port)")
	return cmd
}

// withJob 連線並綁定 id 對應的任務後執行 fn
func withJob(cmd *cobra.Command, endpoint, id string, fn func(context.Context, *client.Client) error) error {
	jobID := types.JobID(id)
	if !jobID.Valid() {
		return fmt.Errorf("invalid job id %q", id)
	}

	cfg, err := resolveConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	c, err := dialBroker(ctx, cfg, endpoint)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.MonitorJob(ctx, types.Job{ID: jobID}); err != nil {
		return fmt.Errorf("failed to query job: %w", err)
	}
	return fn(ctx, c)
}

// ============================================================================
// helpers
// ============================================================================

func parseMeshType(input, output string) (types.MeshIOType, error) {
	in, out := types.ParseMeshKind(input), types.ParseMeshKind(output)
	if !in.Valid() {
		return types.InvalidMeshIOType, fmt.Errorf("unknown input mesh kind %q (known: %v)", input, types.KnownKinds())
	}
	if !out.Valid() {
		return types.InvalidMeshIOType, fmt.Errorf("unknown output mesh kind %q (known: %v)", output, types.KnownKinds())
	}
	return types.NewMeshIOType(in, out), nil
}

// resolveEndpoint 依序使用 --endpoint、配置（含 MESHD_ENDPOINT）與 broker 埠
func resolveEndpoint(cfg *Config, flag string) (types.Endpoint, error) {
	switch {
	case flag != "":
		return types.ParseEndpoint(flag)
	case cfg.Client.Endpoint != "":
		return types.ParseEndpoint(cfg.Client.Endpoint)
	case cfg.Broker.ClientPort > 0:
		host := cfg.Broker.Host
		if host == "" {
			host = broker.DefaultHost
		}
		return types.NewEndpoint(host, cfg.Broker.ClientPort), nil
	default:
		return types.Endpoint{}, fmt.Errorf("no broker endpoint: use --endpoint or %s", EnvEndpoint)
	}
}

func clientOptions(cfg *Config) []client.Option {
	var opts []client.Option
	if cfg.Client.ConnectTimeout > 0 {
		opts = append(opts, client.WithConnectTimeout(cfg.Client.ConnectTimeout))
	}
	return opts
}

func dialBroker(ctx context.Context, cfg *Config, flag string) (*client.Client, error) {
	endpoint, err := resolveEndpoint(cfg, flag)
	if err != nil {
		return nil, err
	}
	return client.New(ctx, endpoint, clientOptions(cfg)...)
}

func printStatus(out io.Writer, st types.JobStatus) {
	switch {
	case st.State == types.StateInProgress:
		fmt.Fprintf(out, "%s  %s  %d%%\n", st.ID, st.State, st.Progress)
	case st.Message != "":
		fmt.Fprintf(out, "%s  %s  %s\n", st.ID, st.State, st.Message)
	default:
		fmt.Fprintf(out, "%s  %s\n", st.ID, st.State)
	}
}
