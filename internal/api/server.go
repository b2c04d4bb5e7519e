// Package api serves the admin HTTP endpoints.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ftlbridge/internal/relay"
	"ftlbridge/pkg/ftl"
)

// Connections is the view of the FTL server the API needs.
type Connections interface {
	Snapshot() []ftl.ConnectionInfo
	Lookup(channel ftl.ChannelID) (ftl.ConnectionInfo, bool)
}

// Relay is the view of the relay hub the API needs.
type Relay interface {
	Keyframe(channel ftl.ChannelID) (relay.Keyframe, bool)
	Stats() relay.Stats
}

// Server wraps the gin router with its dependencies
type Server struct {
	router      *gin.Engine
	connections Connections
	relay       Relay
	started     time.Time
}

// New creates the admin API. hub and gatherer may be nil.
func New(connections Connections, hub Relay, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		connections: connections,
		relay:       hub,
		started:     time.Now(),
	}
	s.setupRoutes(gatherer)
	return s
}

// Handler returns the http.Handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", s.handleHealth)
	router.GET("/streams", s.handleListStreams)
	router.GET("/streams/:channelId", s.handleGetStream)
	if s.relay != nil {
		router.GET("/relay", s.handleRelay)
	}

	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	s.router = router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": len(s.connections.Snapshot()),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleListStreams(c *gin.Context) {
	infos := s.connections.Snapshot()

	streams := make([]StreamInfo, len(infos))
	for i, info := range infos {
		streams[i] = toStreamInfo(info)
	}

	c.JSON(http.StatusOK, StreamListResponse{
		Streams: streams,
		Total:   len(streams),
	})
}

func (s *Server) handleGetStream(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("channelId"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel id"})
		return
	}
	channel := ftl.ChannelID(id)

	info, ok := s.connections.Lookup(channel)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel is not streaming"})
		return
	}

	out := toStreamInfo(info)
	if s.relay != nil {
		if kf, ok := s.relay.Keyframe(channel); ok && kf.StreamID == info.StreamID {
			out.Keyframe = toKeyframeInfo(kf)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleRelay(c *gin.Context) {
	c.JSON(http.StatusOK, toRelayInfo(s.relay.Stats()))
}
