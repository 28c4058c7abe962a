// Package transport streams pipeline audio to WebSocket clients and accepts
// audio and control commands back from them.
//
// Clients connect to GET /stream. The server speaks a small JSON protocol:
// the first message is always a config frame describing the audio payloads,
// after that captured frames flow server->client as audio messages and
// clients may send audio messages (played through the pipeline) or command
// messages (answered synchronously on the same connection). A client that
// fails a write is pruned on that failure and never retried.
//
// Audio payloads are base64 int16 PCM by default; [EncodingOpus] compresses
// them with Opus, which constrains the stream to Opus frame sizes and rates.
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/duplexa/internal/devices"
	"github.com/MrWong99/duplexa/internal/pipeline"
	"github.com/MrWong99/duplexa/pkg/audio"
)

// writeTimeout bounds every WebSocket write; a client that cannot keep up
// is treated as disconnected.
const writeTimeout = 5 * time.Second

// framePollInterval paces the broadcast loop while it has nothing to do.
const framePollInterval = 100 * time.Millisecond

// PipelineController is the slice of the audio pipeline the transport
// drives. *pipeline.Pipeline satisfies it.
type PipelineController interface {
	Start(ctx context.Context) error
	Stop() error
	State() pipeline.State
	Stats() pipeline.Statistics
	Config() audio.StreamConfig
	Frames() *audio.FrameBuffer
	PlayAudio(samples []float32)
	CalibrateNoise(ctx context.Context, duration time.Duration) error
}

// DeviceDirectory is the slice of the device manager the transport's
// commands need. *devices.Manager satisfies it.
type DeviceDirectory interface {
	Devices(types ...audio.DeviceType) []audio.DeviceInfo
	Find(query string, types ...audio.DeviceType) (audio.DeviceInfo, error)
	SetDevice(id string, kind audio.DeviceType) error
	ActiveInput() string
	ActiveOutput() string
}

var _ PipelineController = (*pipeline.Pipeline)(nil)
var _ DeviceDirectory = (*devices.Manager)(nil)

// PlayFunc delivers decoded client audio to the playback side.
type PlayFunc func(ctx context.Context, samples []float32) error

// Option configures a [Server].
type Option func(*Server)

// WithEncoding selects the payload encoding for all sessions. The default
// is [EncodingPCM16].
func WithEncoding(encoding string) Option {
	return func(s *Server) {
		if encoding != "" {
			s.encoding = encoding
		}
	}
}

// WithPlayFunc replaces how inbound client audio is played. The default
// enqueues straight into the pipeline; the app installs the resilience
// chain here so client audio survives a stopped pipeline.
func WithPlayFunc(fn PlayFunc) Option {
	return func(s *Server) {
		if fn != nil {
			s.play = fn
		}
	}
}

// WithOpusBitrate sets the Opus encoder bitrate in bits per second. Zero
// keeps the library default. Ignored for pcm16.
func WithOpusBitrate(bps int) Option {
	return func(s *Server) {
		if bps > 0 {
			s.opusBitrate = bps
		}
	}
}

// trafficCounters accumulates message totals across all sessions.
type trafficCounters struct {
	in  atomic.Uint64
	out atomic.Uint64
}

// Server fans captured frames out to WebSocket subscribers and dispatches
// their commands.
type Server struct {
	pipe        PipelineController
	dir         DeviceDirectory
	cfg         audio.StreamConfig
	encoding    string
	opusBitrate int
	play        PlayFunc
	traffic     trafficCounters

	mu       sync.Mutex
	sessions map[string]*session
}

// NewServer builds a server for the given pipeline and device directory.
// The configured encoding is validated against the pipeline's stream
// configuration immediately, so an Opus mismatch fails here and not on the
// first connection.
func NewServer(pipe PipelineController, dir DeviceDirectory, opts ...Option) (*Server, error) {
	s := &Server{
		pipe:     pipe,
		dir:      dir,
		cfg:      pipe.Config(),
		encoding: EncodingPCM16,
		sessions: make(map[string]*session),
	}
	for _, o := range opts {
		o(s)
	}
	if s.play == nil {
		s.play = func(_ context.Context, samples []float32) error {
			pipe.PlayAudio(samples)
			return nil
		}
	}
	if _, err := newPayloadCodec(s.encoding, s.cfg, s.opusBitrate); err != nil {
		return nil, err
	}
	return s, nil
}

// Handler returns the HTTP handler serving the transport endpoints:
//
//	GET /stream — WebSocket upgrade into the streaming protocol
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", s.handleStream)
	return mux
}

// ClientCount reports the number of connected sessions.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// TrafficStats is a point-in-time snapshot of websocket activity. Message
// totals are cumulative over the server's lifetime; the metrics bridge
// turns them into counter deltas.
type TrafficStats struct {
	Clients     int
	MessagesIn  uint64
	MessagesOut uint64
}

// Traffic reports connected clients and cumulative message totals.
func (s *Server) Traffic() TrafficStats {
	return TrafficStats{
		Clients:     s.ClientCount(),
		MessagesIn:  s.traffic.in.Load(),
		MessagesOut: s.traffic.out.Load(),
	}
}

// Run drives the broadcast loop until ctx is cancelled: every frame the
// pipeline captures is encoded and fanned out to all sessions. It closes
// every session before returning.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(framePollInterval)
	defer ticker.Stop()
	defer s.closeAll()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// With no subscribers (or no running pipeline) the capture ring
		// simply keeps its newest frames; there is nothing to drain.
		if s.ClientCount() == 0 || s.pipe.State() != pipeline.StateRunning {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			continue
		}

		if f, ok := s.pipe.Frames().Get(framePollInterval); ok {
			s.broadcast(f)
		}
	}
}

// broadcast encodes f once per session (Opus encoders are stateful) and
// prunes every session whose write fails.
func (s *Server) broadcast(f audio.Frame) {
	s.mu.Lock()
	subs := make([]*session, 0, len(s.sessions))
	for _, c := range s.sessions {
		subs = append(subs, c)
	}
	s.mu.Unlock()

	for _, c := range subs {
		if err := c.sendAudio(f); err != nil {
			s.remove(c.id)
			c.close(websocket.StatusNormalClosure, "write failed")
			slog.Debug("transport: client pruned", "session", c.id, "err", err)
		}
	}
}

// handleStream upgrades the connection and runs the session until the
// client goes away. Any origin is accepted: the server fronts a local
// audio device, not a browser credential boundary.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("transport: websocket accept", "err", err)
		return
	}

	codec, err := newPayloadCodec(s.encoding, s.cfg, s.opusBitrate)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "codec unavailable")
		return
	}

	sess := &session{
		id:    uuid.NewString(),
		conn:  conn,
		codec: codec,
		pipe:  s.pipe,
		dir:   s.dir,
		play:  s.play,
		ctrs:  &s.traffic,
	}

	if err := sess.writeJSON(configMessage{
		Type:       typeConfig,
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Format:     audio.FormatInt16.String(),
		FrameSize:  s.cfg.FrameSize,
		Encoding:   s.encoding,
	}); err != nil {
		sess.close(websocket.StatusInternalError, "config send failed")
		return
	}

	s.add(sess)
	slog.Info("transport: client connected", "session", sess.id, "remote", r.RemoteAddr)

	sess.readLoop(r.Context())

	s.remove(sess.id)
	sess.close(websocket.StatusNormalClosure, "session over")
	slog.Info("transport: client disconnected", "session", sess.id)
}

func (s *Server) add(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
}

func (s *Server) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	subs := make([]*session, 0, len(s.sessions))
	for _, c := range s.sessions {
		subs = append(subs, c)
	}
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for _, c := range subs {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}
