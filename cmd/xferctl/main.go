// Command xferctl is a client for the chunked bulk-transfer protocol: it
// reads data from a device, writes data to one, or runs a reference
// device-side server for testing against.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/greenfield-labs/bulktransfer/internal/config"
	"github.com/greenfield-labs/bulktransfer/internal/debugserver"
	"github.com/greenfield-labs/bulktransfer/internal/observability"
	"github.com/greenfield-labs/bulktransfer/internal/rpctransport"
	"github.com/greenfield-labs/bulktransfer/internal/transfer"
)

var (
	cfgFile string
	logger  *observability.Logger
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "xferctl",
	Short: "Chunked bulk-transfer client",
	Long:  "xferctl reads and writes bulk data to a device over the chunked transfer protocol, and can run a reference device-side server for testing.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}

		logger, err = observability.NewLogger(cfg.LogLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
			os.Exit(1)
		}

		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
			os.Exit(1)
		}
	},
}

var (
	transferID   uint32
	outputPath   string
	inputPath    string
	grpcAddrFlag string
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read a transfer from the device and write it to a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := rpctransport.Dial(addrOrDefault(), rpctransport.DialOptions{Logger: logger})
		if err != nil {
			return err
		}
		defer conn.Close()

		service := rpctransport.NewGRPCService(conn, logger)
		manager := newManager(service)
		defer manager.Close()

		data, err := manager.Read(transferID)
		if err != nil {
			return fmt.Errorf("read transfer %d: %w", transferID, err)
		}

		if outputPath == "" || outputPath == "-" {
			_, err = os.Stdout.Write(data)
			return err
		}
		return os.WriteFile(outputPath, data, 0644)
	},
}

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Write a file's contents to the device as a transfer",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(inputPath)
		if err != nil {
			return err
		}

		conn, err := rpctransport.Dial(addrOrDefault(), rpctransport.DialOptions{Logger: logger})
		if err != nil {
			return err
		}
		defer conn.Close()

		service := rpctransport.NewGRPCService(conn, logger)
		manager := newManager(service)
		defer manager.Close()

		if err := manager.Write(transferID, data); err != nil {
			return fmt.Errorf("write transfer %d: %w", transferID, err)
		}
		logger.Info("write transfer complete", zap.Uint32("transfer_id", transferID), zap.Int("bytes", len(data)))
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a reference device-side server backed by an in-memory store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.bulktransfer/config.json)")
	rootCmd.PersistentFlags().StringVar(&grpcAddrFlag, "addr", "", "device gRPC address (overrides config)")

	readCmd.Flags().Uint32Var(&transferID, "id", 1, "transfer ID")
	readCmd.Flags().StringVar(&outputPath, "out", "-", "output file path, or - for stdout")

	writeCmd.Flags().Uint32Var(&transferID, "id", 1, "transfer ID")
	writeCmd.Flags().StringVar(&inputPath, "in", "-", "input file path, or - for stdin")

	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(serveCmd)
}

func addrOrDefault() string {
	if grpcAddrFlag != "" {
		return grpcAddrFlag
	}
	return cfg.GRPCAddr
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return readAllStdin()
	}
	return os.ReadFile(path)
}

func readAllStdin() ([]byte, error) {
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

func newManager(service transfer.Service) *transfer.Manager {
	opts := []transfer.Option{
		transfer.WithResponseTimeout(cfg.DefaultResponseTimeout),
		transfer.WithMaxRetries(cfg.MaxRetries),
		transfer.WithMaxBytesToReceive(cfg.MaxBytesToReceive),
		transfer.WithMaxChunkSize(cfg.MaxChunkSizeBytes),
		transfer.WithLogger(logger),
		transfer.WithMetrics(observability.NewMetrics()),
	}
	if cfg.ChunkDelayMicroseconds != 0 {
		opts = append(opts, transfer.WithChunkDelay(cfg.ChunkDelayMicroseconds))
	}
	return transfer.NewManager(service, opts...)
}

func runServe() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	lis, err := net.Listen("tcp", addrOrDefault())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addrOrDefault(), err)
	}

	grpcServer := grpc.NewServer()
	device := newReferenceDevice(logger)
	rpctransport.Register(grpcServer, device)

	health := observability.NewHealthChecker()
	health.RegisterCriticalCheck("transport", observability.TransportHealthCheck(func(context.Context) error { return nil }))
	metrics := observability.NewMetrics()

	dbg := debugserver.New(cfg, nil, health, metrics, logger)
	go func() {
		if err := dbg.Run(cfg.DebugAddr); err != nil {
			logger.Warn("debug server stopped", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("serving reference device", zap.String("addr", addrOrDefault()))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	grpcServer.GracefulStop()
	dbg.Stop()
	return nil
}
