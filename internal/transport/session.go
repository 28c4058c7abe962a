package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/duplexa/pkg/audio"
)

// maxCalibration caps the noise capture window a client may request.
const maxCalibration = 30 * time.Second

// session is one connected WebSocket client. Reads run on the connection's
// handler goroutine; writes come from both that goroutine (command replies)
// and the broadcast loop (audio), so they are serialized through writeMu.
type session struct {
	id    string
	conn  *websocket.Conn
	codec payloadCodec
	pipe  PipelineController
	dir   DeviceDirectory
	play  PlayFunc
	ctrs  *trafficCounters

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal message: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	s.ctrs.out.Add(1)
	return nil
}

// sendAudio encodes a captured frame and ships it to the client.
func (s *session) sendAudio(f audio.Frame) error {
	payload, err := s.codec.Encode(f.Samples)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	return s.writeJSON(audioMessage{
		Type:        typeAudio,
		Payload:     base64.StdEncoding.EncodeToString(payload),
		TimestampMS: f.Timestamp.Milliseconds(),
	})
}

func (s *session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.conn.Close(code, reason)
	})
}

// readLoop consumes client messages until the connection drops, a payload
// is malformed beyond recovery, or a reply cannot be written. Messages of
// unknown type are skipped so protocol additions stay backwards compatible.
func (s *session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		s.ctrs.in.Add(1)

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("transport: skip unparseable message", "session", s.id, "err", err)
			continue
		}

		switch msg.Type {
		case typeAudio:
			if err := s.handleAudio(ctx, &msg); err != nil {
				slog.Warn("transport: closing session on bad audio", "session", s.id, "err", err)
				return
			}
		case typeCommand:
			if err := s.handleCommand(ctx, &msg); err != nil {
				return
			}
		default:
			slog.Debug("transport: skip message", "session", s.id, "type", msg.Type)
		}
	}
}

// handleAudio decodes a client audio payload and queues it for playback.
// A payload the codec rejects ends the session: the client is speaking the
// wrong format and every subsequent frame would fail the same way. A
// playback failure does not; the client held up its end of the protocol.
func (s *session) handleAudio(ctx context.Context, msg *clientMessage) error {
	payload, err := base64.StdEncoding.DecodeString(msg.Payload)
	if err != nil {
		return fmt.Errorf("transport: decode audio payload: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	samples, err := s.codec.Decode(payload)
	if err != nil {
		return err
	}
	if err := s.play(ctx, samples); err != nil {
		slog.Warn("transport: playback failed", "session", s.id, "err", err)
	}
	return nil
}

// handleCommand runs one control command and writes its reply. The
// returned error is a transport failure; command failures travel to the
// client as error replies and keep the session alive.
func (s *session) handleCommand(ctx context.Context, msg *clientMessage) error {
	switch msg.Command {
	case cmdListDevices:
		return s.listDevices()

	case cmdSetDevice:
		return s.setDevice(msg)

	case cmdGetStats:
		return s.writeJSON(statsReply{Type: typeStats, Stats: s.pipe.Stats()})

	case cmdStart:
		if err := s.pipe.Start(ctx); err != nil {
			return s.fail(err)
		}
		return s.ok(cmdStart)

	case cmdStop:
		if err := s.pipe.Stop(); err != nil {
			return s.fail(err)
		}
		return s.ok(cmdStop)

	case cmdCalibrateNoise:
		return s.calibrateNoise(ctx, msg)

	default:
		return s.fail(fmt.Errorf("unknown command %q", msg.Command))
	}
}

func (s *session) listDevices() error {
	activeIn, activeOut := s.dir.ActiveInput(), s.dir.ActiveOutput()
	infos := s.dir.Devices()
	entries := make([]deviceEntry, 0, len(infos))
	for _, d := range infos {
		entries = append(entries, toDeviceEntry(d, activeIn, activeOut))
	}
	return s.writeJSON(devicesReply{Type: typeDevices, Devices: entries})
}

func (s *session) setDevice(msg *clientMessage) error {
	kind, err := parseKind(msg.Kind)
	if err != nil {
		return s.fail(err)
	}
	if msg.Device == "" {
		// Empty selector resets the role to the platform default.
		if err := s.dir.SetDevice("", kind); err != nil {
			return s.fail(err)
		}
		return s.ok(cmdSetDevice)
	}
	d, err := s.dir.Find(msg.Device, kind)
	if err != nil {
		return s.fail(err)
	}
	if err := s.dir.SetDevice(d.ID, kind); err != nil {
		return s.fail(err)
	}
	return s.ok(cmdSetDevice)
}

func (s *session) calibrateNoise(ctx context.Context, msg *clientMessage) error {
	dur := time.Duration(msg.Seconds * float64(time.Second))
	if dur <= 0 {
		return s.fail(fmt.Errorf("seconds must be positive, got %v", msg.Seconds))
	}
	if dur > maxCalibration {
		return s.fail(fmt.Errorf("seconds must be at most %v, got %v", maxCalibration.Seconds(), msg.Seconds))
	}
	if err := s.pipe.CalibrateNoise(ctx, dur); err != nil {
		return s.fail(err)
	}
	return s.ok(cmdCalibrateNoise)
}

func (s *session) ok(command string) error {
	return s.writeJSON(okReply{Type: typeOK, Command: command})
}

func (s *session) fail(err error) error {
	return s.writeJSON(errorReply{Type: typeError, Message: err.Error()})
}

func parseKind(kind string) (audio.DeviceType, error) {
	switch kind {
	case "input":
		return audio.DeviceInput, nil
	case "output":
		return audio.DeviceOutput, nil
	default:
		return 0, fmt.Errorf("kind must be %q or %q, got %q", "input", "output", kind)
	}
}
