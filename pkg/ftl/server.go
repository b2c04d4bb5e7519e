package ftl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"
)

// Config holds the control connection settings.
type Config struct {
	IngestServerName        string
	MediaBindAddress        string
	MaxCommandLength        int
	HandshakeTimeout        time.Duration
	WriteTimeout            time.Duration
	KeepaliveInterval       time.Duration
	KeepaliveMultiplier     int
	MetadataReportInterval  time.Duration
	RegistryRefreshInterval time.Duration
	ServiceTimeout          time.Duration
	TickInterval            time.Duration
	Media                   MediaConfig
}

func (c Config) withDefaults() Config {
	if c.MaxCommandLength <= 0 {
		c.MaxCommandLength = DefaultMaxCommandLength
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.KeepaliveMultiplier <= 0 {
		c.KeepaliveMultiplier = DefaultKeepaliveMultiplier
	}
	if c.MetadataReportInterval <= 0 {
		c.MetadataReportInterval = DefaultMetadataReportInterval
	}
	if c.RegistryRefreshInterval <= 0 {
		c.RegistryRefreshInterval = DefaultRegistryRefreshInterval
	}
	if c.ServiceTimeout <= 0 {
		c.ServiceTimeout = DefaultServiceTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	c.Media = c.Media.withDefaults()
	return c
}

// Dependencies are the collaborators a Server hands to its connections.
// ControlPlane, Ports and Registry are required; the rest have defaults.
type Dependencies struct {
	ControlPlane     ControlPlane
	Ports            PortAllocator
	Registry         ChannelRegistry
	KeyframeDetector KeyframeDetector
	PacketSink       PacketSink
	KeyframeSink     KeyframeSink
	Observer         Observer
	Logger           *slog.Logger
}

// Server accepts FTL control connections
type Server struct {
	cfg   Config
	deps  Dependencies
	conns map[string]*ControlConnection // connId -> connection
	mutex sync.RWMutex
	wg    sync.WaitGroup
}

// NewServer creates a new FTL server
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if deps.ControlPlane == nil {
		return nil, errors.New("ftl: control plane is required")
	}
	if deps.Ports == nil {
		return nil, errors.New("ftl: port allocator is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("ftl: channel registry is required")
	}
	if deps.KeyframeDetector == nil {
		deps.KeyframeDetector = IsKeyframe
	}
	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Server{
		cfg:   cfg.withDefaults(),
		deps:  deps,
		conns: make(map[string]*ControlConnection),
	}, nil
}

// Serve accepts connections on ln until ctx is cancelled, then waits for
// open connections to finish their teardown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		closeWithLog(ln)
	})
	defer stop()
	defer s.wg.Wait()

	slog.Info("FTL server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("FTL accept loop stopped")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("ftl accept: %w", err)
		}

		s.Handle(ctx, conn)
	}
}

// Handle takes ownership of an accepted connection and serves it in a new goroutine.
func (s *Server) Handle(ctx context.Context, conn net.Conn) *ControlConnection {
	c := newControlConnection(conn, s.cfg, s.deps, s.remove)

	s.mutex.Lock()
	s.conns[c.id] = c
	s.mutex.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.Run(ctx)
	}()

	return c
}

func (s *Server) remove(c *ControlConnection) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.conns, c.id)
}

// Wait blocks until every handled connection has been torn down.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Snapshot returns the state of all open connections, oldest first.
func (s *Server) Snapshot() []ConnectionInfo {
	s.mutex.RLock()
	conns := make([]*ControlConnection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mutex.RUnlock()

	infos := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Connected.Before(infos[j].Connected)
	})
	return infos
}

// Lookup returns the open connection ingesting channel, if any.
func (s *Server) Lookup(channel ChannelID) (ConnectionInfo, bool) {
	for _, info := range s.Snapshot() {
		if info.ChannelID == channel && info.State >= StateMediaNegotiated && info.State != StateClosed {
			return info, true
		}
	}
	return ConnectionInfo{}, false
}

// closeWithLog closes a resource with logging
func closeWithLog(c io.Closer) {
	if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Error("Error closing resource", "err", err)
	}
}
