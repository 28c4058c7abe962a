// Package devices tracks the audio devices visible to the platform host:
// enumeration snapshots, active-device selection, fuzzy lookup by name, and
// hot-plug monitoring.
//
// The manager keeps an immutable snapshot of the last enumeration. Refresh
// and the monitor goroutine replace the snapshot wholesale; callers always
// receive copies, so a published [audio.DeviceInfo] never changes under a
// reader.
package devices

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/duplexa/pkg/audio"
)

// ErrDeviceNotFound is returned when a device ID or search query does not
// resolve to any currently known device.
var ErrDeviceNotFound = errors.New("devices: device not found")

// ChangeFunc receives the devices that appeared and disappeared between two
// consecutive enumerations. It runs on the monitor goroutine; implementations
// must not block for long.
type ChangeFunc func(added, removed []audio.DeviceInfo)

// Option configures a [Manager].
type Option func(*Manager)

// WithPollInterval sets how often the hot-plug monitor re-enumerates.
// The default is 1 second.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithMatcher replaces the fuzzy name matcher used by [Manager.Find].
func WithMatcher(matcher *Matcher) Option {
	return func(m *Manager) {
		if matcher != nil {
			m.matcher = matcher
		}
	}
}

// Manager owns the device snapshot and the hot-plug monitor.
// All methods are safe for concurrent use.
type Manager struct {
	host     audio.Host
	interval time.Duration
	matcher  *Matcher

	mu           sync.Mutex
	snapshot     []audio.DeviceInfo
	activeInput  string
	activeOutput string
	done         chan struct{}
	stopOnce     *sync.Once
}

// NewManager enumerates once to seed the snapshot and returns the manager.
func NewManager(host audio.Host, opts ...Option) (*Manager, error) {
	m := &Manager{
		host:     host,
		interval: time.Second,
		matcher:  NewMatcher(),
	}
	for _, o := range opts {
		o(m)
	}
	if _, err := m.Refresh(); err != nil {
		return nil, fmt.Errorf("devices: initial enumeration: %w", err)
	}
	return m, nil
}

// Refresh re-enumerates the host's devices, replaces the snapshot, and
// returns the new list. On enumeration failure the previous snapshot stays
// in place.
func (m *Manager) Refresh() ([]audio.DeviceInfo, error) {
	devs, err := m.host.Devices()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.snapshot = devs
	m.mu.Unlock()

	out := make([]audio.DeviceInfo, len(devs))
	copy(out, devs)
	return out, nil
}

// Devices returns the devices of the last snapshot, filtered to the given
// types. With no filter every device is returned. Duplex devices satisfy
// input and output filters.
func (m *Manager) Devices(types ...audio.DeviceType) []audio.DeviceInfo {
	m.mu.Lock()
	snapshot := m.snapshot
	m.mu.Unlock()

	if len(types) == 0 {
		out := make([]audio.DeviceInfo, len(snapshot))
		copy(out, snapshot)
		return out
	}

	var out []audio.DeviceInfo
	for _, d := range snapshot {
		for _, t := range types {
			if d.Is(t) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// Get returns the device with the given ID from the last snapshot.
func (m *Manager) Get(id string) (audio.DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.snapshot {
		if d.ID == id {
			return d, nil
		}
	}
	return audio.DeviceInfo{}, fmt.Errorf("%w: id %q", ErrDeviceNotFound, id)
}

// SetDevice selects the active device for the given direction. The empty ID
// selects the platform default. The device must exist in the snapshot and
// support the direction.
func (m *Manager) SetDevice(id string, kind audio.DeviceType) error {
	if id != "" {
		dev, err := m.Get(id)
		if err != nil {
			return err
		}
		if !dev.Is(kind) {
			return fmt.Errorf("devices: device %q (%s) cannot be used as %s", id, dev.Type(), kind)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case audio.DeviceInput:
		m.activeInput = id
	case audio.DeviceOutput:
		m.activeOutput = id
	default:
		return fmt.Errorf("devices: cannot select a device as %s", kind)
	}
	return nil
}

// ActiveInput returns the selected capture device ID; empty means the
// platform default.
func (m *Manager) ActiveInput() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeInput
}

// ActiveOutput returns the selected playback device ID; empty means the
// platform default.
func (m *Manager) ActiveOutput() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeOutput
}

// StartMonitoring begins polling the host for device changes. Each poll that
// finds a difference to the previous snapshot replaces the snapshot and
// reports it through onChange. Enumeration errors are logged and skipped;
// the snapshot survives them.
func (m *Manager) StartMonitoring(onChange ChangeFunc) error {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return fmt.Errorf("devices: monitoring already started")
	}
	done := make(chan struct{})
	m.done = done
	m.stopOnce = &sync.Once{}
	m.mu.Unlock()

	go m.monitor(done, onChange)
	return nil
}

// StopMonitoring halts the hot-plug monitor. It is safe to call repeatedly
// and without a prior StartMonitoring.
func (m *Manager) StopMonitoring() {
	m.mu.Lock()
	done, once := m.done, m.stopOnce
	m.done = nil
	m.stopOnce = nil
	m.mu.Unlock()

	if done == nil {
		return
	}
	once.Do(func() {
		close(done)
	})
}

func (m *Manager) monitor(done chan struct{}, onChange ChangeFunc) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.checkOnce(onChange)
		}
	}
}

// checkOnce enumerates, diffs against the snapshot, and reports changes.
// The callback runs outside the lock so it may call back into the manager.
func (m *Manager) checkOnce(onChange ChangeFunc) {
	devs, err := m.host.Devices()
	if err != nil {
		slog.Warn("device monitor: enumeration failed", "err", err)
		return
	}

	m.mu.Lock()
	added, removed := diffDevices(m.snapshot, devs)
	if len(added) == 0 && len(removed) == 0 {
		m.mu.Unlock()
		return
	}
	m.snapshot = devs
	m.mu.Unlock()

	slog.Info("device list changed", "added", len(added), "removed", len(removed))
	if onChange != nil {
		onChange(added, removed)
	}
}

// diffDevices compares two snapshots by device ID and returns what appeared
// and what disappeared.
func diffDevices(old, current []audio.DeviceInfo) (added, removed []audio.DeviceInfo) {
	oldByID := make(map[string]audio.DeviceInfo, len(old))
	for _, d := range old {
		oldByID[d.ID] = d
	}
	currentByID := make(map[string]audio.DeviceInfo, len(current))
	for _, d := range current {
		currentByID[d.ID] = d
	}

	for _, d := range current {
		if _, ok := oldByID[d.ID]; !ok {
			added = append(added, d)
		}
	}
	for _, d := range old {
		if _, ok := currentByID[d.ID]; !ok {
			removed = append(removed, d)
		}
	}
	return added, removed
}
