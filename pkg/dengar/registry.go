package dengar

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harunnryd/dengar/pkg/adapters/stt"
	"github.com/harunnryd/dengar/pkg/capture"
	"github.com/harunnryd/dengar/pkg/capture/wavfile"
	"github.com/harunnryd/dengar/pkg/providers/deepgram"
)

type ProtocolFactory func(cfg Config) (stt.Protocol, error)
type DeviceFactory func(cfg Config) (capture.Device, error)

// Registry maps provider and device names from the config to factories.
type Registry struct {
	mu        sync.RWMutex
	protocols map[string]ProtocolFactory
	devices   map[string]DeviceFactory
}

func NewRegistry() *Registry {
	return &Registry{
		protocols: make(map[string]ProtocolFactory),
		devices:   make(map[string]DeviceFactory),
	}
}

// DefaultRegistry knows the deepgram provider and the wav device.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterProtocol("deepgram", newDeepgram)
	r.RegisterDevice("wav", func(cfg Config) (capture.Device, error) {
		return wavfile.New(cfg.Audio.WAVPath, cfg.Audio.Realtime), nil
	})
	return r
}

func newDeepgram(cfg Config) (stt.Protocol, error) {
	if err := validateSettings(cfg.Provider.Settings, settingsSchema{Optional: deepgram.SettingsKeys}); err != nil {
		return nil, fmt.Errorf("provider.settings: %w", err)
	}
	var opts deepgram.Options
	if err := decodeSettings(cfg.Provider.Settings, &opts); err != nil {
		return nil, fmt.Errorf("provider.settings: %w", err)
	}
	return deepgram.NewWithOptions(opts), nil
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) RegisterProtocol(name string, factory ProtocolFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocols[key(name)] = factory
}

func (r *Registry) RegisterDevice(name string, factory DeviceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[key(name)] = factory
}

func (r *Registry) BuildProtocol(cfg Config) (stt.Protocol, error) {
	r.mu.RLock()
	fn := r.protocols[key(cfg.Provider.Name)]
	r.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("provider not registered: %s (known: %s)", cfg.Provider.Name, strings.Join(r.Protocols(), ", "))
	}
	return fn(cfg)
}

func (r *Registry) BuildDevice(cfg Config) (capture.Device, error) {
	r.mu.RLock()
	fn := r.devices[key(cfg.Audio.Device)]
	r.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("audio device not registered: %s (known: %s)", cfg.Audio.Device, strings.Join(r.Devices(), ", "))
	}
	return fn(cfg)
}

func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.protocols)
}

func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.devices)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
