//go:build linux

package tinyrpc

import (
	"github.com/legamerdc/tinyrpc/internal/logging"
	"github.com/legamerdc/tinyrpc/protocol"
	"github.com/legamerdc/tinyrpc/rpc"
	"github.com/legamerdc/tinyrpc/server"
	"github.com/lni/dragonboat/v4/logger"
)

// Server 组合 dispatcher 与 TCP 服务端
type Server struct {
	cfg        Config
	sink       *logging.Sink
	log        logger.ILogger
	dispatcher *rpc.Dispatcher
	srv        *server.Server
}

func newCodec(cfg Config, log logger.ILogger) *protocol.Codec {
	return &protocol.Codec{
		MaxFrameSize:   cfg.MaxFrameSize,
		VerifyChecksum: cfg.VerifyChecksum,
		Log:            log,
	}
}

func newSerializer(cfg Config) rpc.Serializer {
	if cfg.CompressPayload {
		return rpc.CompressSerializer{Inner: rpc.ProtoSerializer{}}
	}
	return rpc.ProtoSerializer{}
}

// NewServer 创建服务端。主 loop 绑定在调用方 goroutine 的线程上，
// 因此 Serve 必须由同一个 goroutine 调用。
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sink, err := logging.NewSink(cfg.Log)
	if err != nil {
		return nil, err
	}
	d := rpc.NewDispatcher(rpc.DispatcherOptions{
		Serializer: newSerializer(cfg),
		Logger:     sink.Logger("dispatcher"),
	})
	srv, err := server.New(server.Config{
		Addr:           cfg.Addr(),
		IOThreads:      cfg.IOThreads,
		InitBufferSize: cfg.InitBufferSize,
		MaxBufferSize:  cfg.MaxBufferSize,
		SockRecvBuf:    cfg.SockRecvBuf,
		SockSendBuf:    cfg.SockSendBuf,
		MaxWait:        cfg.MaxWait,
		Codec:          newCodec(cfg, sink.Logger("codec")),
		Logger:         sink.Logger("server"),
	}, d)
	if err != nil {
		sink.Close()
		return nil, err
	}
	return &Server{cfg: cfg, sink: sink, log: sink.Logger("tinyrpc"), dispatcher: d, srv: srv}, nil
}

func (s *Server) Register(svc rpc.Service) { s.dispatcher.RegisterService(svc) }

func (s *Server) Addr() string { return s.srv.Addr().String() }

func (s *Server) Logger(name string) logger.ILogger { return s.sink.Logger(name) }

// Serve 阻塞直到 Stop
func (s *Server) Serve() error {
	defer s.sink.Close()
	return s.srv.Start()
}

// Stop 可在任意 goroutine 调用
func (s *Server) Stop() { s.srv.Stop() }

// Start 在当前 goroutine 上创建服务端、注册服务并阻塞运行
func Start(cfg Config, services ...rpc.Service) error {
	s, err := NewServer(cfg)
	if err != nil {
		return err
	}
	for _, svc := range services {
		s.Register(svc)
	}
	return s.Serve()
}

// Dial 创建指向 addr 的 Channel，Channel 自带一个 IO 线程
// Dial 创建指向 addr 的 Channel，Channel 自带一个 IO 线程，
// 日志按 cfg.Log 输出，随 Channel.Close 一起关闭
func Dial(addr string, cfg Config) (*rpc.Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, sink, err := logging.New("channel", cfg.Log)
	if err != nil {
		return nil, err
	}
	ch, err := rpc.NewChannel(addr, rpc.ChannelOptions{
		Timeout:        cfg.CallTimeout,
		Codec:          newCodec(cfg, log),
		Serializer:     newSerializer(cfg),
		InitBufferSize: cfg.InitBufferSize,
		MaxBufferSize:  cfg.MaxBufferSize,
		Logger:         log,
		OnClose:        func() { sink.Close() },
	})
	if err != nil {
		sink.Close()
		return nil, err
	}
	return ch, nil
}
