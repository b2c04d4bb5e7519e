// Package service contains the control-plane backends the bridge can be
// configured with.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"ftlbridge/pkg/ftl"
)

// DummyConfig configures the in-memory control plane.
type DummyConfig struct {
	// Secrets maps channel ids to their shared HMAC keys.
	Secrets map[ftl.ChannelID]string
	// DefaultKey authorizes any channel not listed in Secrets. Empty
	// disables the fallback.
	DefaultKey    string
	FirstStreamID ftl.StreamID
}

// Dummy is a control plane for development and tests. It accepts every
// stream and hands out sequential stream ids.
type Dummy struct {
	mu         sync.Mutex
	secrets    map[ftl.ChannelID][]byte
	defaultKey []byte
	nextID     ftl.StreamID
	active     map[ftl.StreamID]ftl.ChannelID
	logger     *slog.Logger
}

// NewDummy creates a new in-memory control plane
func NewDummy(cfg DummyConfig, logger *slog.Logger) *Dummy {
	if logger == nil {
		logger = slog.Default()
	}

	secrets := make(map[ftl.ChannelID][]byte, len(cfg.Secrets))
	for ch, key := range cfg.Secrets {
		secrets[ch] = []byte(key)
	}

	next := cfg.FirstStreamID
	if next == 0 {
		next = 1
	}

	var defaultKey []byte
	if cfg.DefaultKey != "" {
		defaultKey = []byte(cfg.DefaultKey)
	}

	return &Dummy{
		secrets:    secrets,
		defaultKey: defaultKey,
		nextID:     next,
		active:     make(map[ftl.StreamID]ftl.ChannelID),
		logger:     logger.With("service", "dummy"),
	}
}

func (d *Dummy) AuthorizeChannel(_ context.Context, channel ftl.ChannelID) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if key, ok := d.secrets[channel]; ok {
		return key, nil
	}
	if d.defaultKey != nil {
		return d.defaultKey, nil
	}
	return nil, fmt.Errorf("%w: %d", ftl.ErrChannelNotFound, channel)
}

func (d *Dummy) RegisterStreamStart(_ context.Context, channel ftl.ChannelID, md ftl.MediaMetadata) (ftl.StreamID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.active[id] = channel

	d.logger.Info("Stream started", "channelId", channel, "streamId", id, "vendor", md.VendorName)
	return id, nil
}

func (d *Dummy) UpdateStreamMetadata(_ context.Context, stream ftl.StreamID, md ftl.StreamMetadata) (ftl.ServiceResponse, error) {
	d.logger.Debug("Stream metadata",
		"streamId", stream,
		"seconds", md.StreamTimeSeconds,
		"bitrate", md.IngestBitrateBps,
		"received", md.PacketsReceived,
		"lost", md.PacketsLost)
	return ftl.ServiceResponse{}, nil
}

func (d *Dummy) RegisterStreamEnd(_ context.Context, stream ftl.StreamID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	channel, ok := d.active[stream]
	if !ok {
		return fmt.Errorf("unknown stream %d", stream)
	}
	delete(d.active, stream)

	d.logger.Info("Stream ended", "channelId", channel, "streamId", stream)
	return nil
}

// Active returns the number of streams started and not yet ended.
func (d *Dummy) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}
