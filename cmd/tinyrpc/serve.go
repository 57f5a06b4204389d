//go:build linux

package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/legamerdc/tinyrpc"
	"github.com/legamerdc/tinyrpc/internal/demo"
	"github.com/legamerdc/tinyrpc/internal/stats"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a tinyrpc server with the demo Order service",
	Long: `Start a tinyrpc server. Every flag can also be set through an environment
variable named TINYRPC_<FLAG> (e.g. TINYRPC_IO_THREADS=8), or in a .env file.`,
	RunE: runServe,
}

func init() {
	def := tinyrpc.DefaultConfig()
	f := serveCmd.Flags()
	f.String("address", def.Address, "Host to listen on")
	f.Int("port", def.Port, "Port to listen on (0 picks a free port)")
	f.Int("io-threads", def.IOThreads, "Number of IO threads")
	f.Duration("max-wait", def.MaxWait, "Upper bound for a single epoll wait")
	f.Int("max-frame-size", def.MaxFrameSize, "Largest accepted frame in bytes")
	f.Int("init-buffer-size", def.InitBufferSize, "Initial per-connection buffer size in bytes")
	f.Int("max-buffer-size", def.MaxBufferSize, "Send buffer high water mark in bytes (0 = unbounded)")
	f.Int("sock-recv-buf", def.SockRecvBuf, "SO_RCVBUF for accepted connections in bytes (0 = kernel default)")
	f.Int("sock-send-buf", def.SockSendBuf, "SO_SNDBUF for accepted connections in bytes (0 = kernel default)")
	f.Bool("compress", def.CompressPayload, "Compress payloads with zstd (clients must match)")
	f.Bool("verify-checksum", def.VerifyChecksum, "Reject frames whose checksum does not match")
	f.String("log-level", def.Log.Level, "Log level (debug, info, warn, error)")
	f.String("log-file", def.Log.Path, "Log file path, stdout when empty")
	f.Int64("log-max-size", def.Log.MaxSize, "Rotate the log file after this many bytes")
	f.Duration("log-sync-interval", def.Log.SyncInterval, "How often buffered log lines are flushed")
	f.String("metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9100)")
}

func serveConfig(cmd *cobra.Command) (tinyrpc.Config, error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return tinyrpc.Config{}, err
	}
	cfg := tinyrpc.DefaultConfig()
	cfg.Address = viper.GetString("address")
	cfg.Port = viper.GetInt("port")
	cfg.IOThreads = viper.GetInt("io-threads")
	cfg.MaxWait = viper.GetDuration("max-wait")
	cfg.MaxFrameSize = viper.GetInt("max-frame-size")
	cfg.InitBufferSize = viper.GetInt("init-buffer-size")
	cfg.MaxBufferSize = viper.GetInt("max-buffer-size")
	cfg.SockRecvBuf = viper.GetInt("sock-recv-buf")
	cfg.SockSendBuf = viper.GetInt("sock-send-buf")
	cfg.CompressPayload = viper.GetBool("compress")
	cfg.VerifyChecksum = viper.GetBool("verify-checksum")
	cfg.Log.Level = viper.GetString("log-level")
	cfg.Log.Path = viper.GetString("log-file")
	cfg.Log.MaxSize = viper.GetInt64("log-max-size")
	cfg.Log.SyncInterval = viper.GetDuration("log-sync-interval")
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := serveConfig(cmd)
	if err != nil {
		return err
	}
	fmt.Print(cfg.String())

	// 主 loop 绑定当前 goroutine，Serve 必须在这里调用
	s, err := tinyrpc.NewServer(cfg)
	if err != nil {
		return err
	}
	log := s.Logger("cmd")
	s.Register(demo.OrderService())

	if addr := viper.GetString("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", stats.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics endpoint %s: %v", addr, err)
			}
		}()
		log.Infof("metrics exposed on %s/metrics", addr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Infof("signal received, stopping")
		s.Stop()
	}()

	return s.Serve()
}
