// Package route arbitrates the single shared audio hardware resource
// between the record and playback sides of the pipeline.
package route

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rezeile/voiceloop/internal/observability/logging"
)

// ErrUnknownMode is returned when a caller asks for a mode the arbiter
// does not manage.
var ErrUnknownMode = errors.New("route: unknown audio session mode")

// ConfigError reports a failed hardware transition. The wrapped cause
// is the device error that aborted it.
type ConfigError struct {
	Mode Mode
	Err  error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("configure %s: %v", e.Mode, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// Mode identifies which side currently holds the hardware.
type Mode int

const (
	ModeIdle Mode = iota
	ModeRecord
	ModePlayback
)

func (m Mode) String() string {
	switch m {
	case ModeRecord:
		return "record"
	case ModePlayback:
		return "playback"
	default:
		return "idle"
	}
}

func other(m Mode) Mode {
	if m == ModeRecord {
		return ModePlayback
	}
	return ModeRecord
}

// Device is the hardware configuration boundary. The default NopDevice
// stands in where no real hardware session exists; tests inject failing
// devices.
type Device interface {
	Activate(Mode) error
	Deactivate(Mode) error
}

// NopDevice accepts every configuration change.
type NopDevice struct{}

func (NopDevice) Activate(Mode) error   { return nil }
func (NopDevice) Deactivate(Mode) error { return nil }

// Arbiter serializes hardware-mode transitions. Configure is the single
// entry point for switching sides; it stops whatever the other side is
// doing before touching the device, so capture callbacks and playback
// scheduling never run under a mismatched configuration.
type Arbiter struct {
	configMu sync.Mutex // serializes whole transitions end to end
	log      zerolog.Logger
	device   Device

	mu      sync.Mutex // guards current and stops
	current Mode
	stops   map[Mode]func()
}

func NewArbiter(device Device) *Arbiter {
	if device == nil {
		device = NopDevice{}
	}
	return &Arbiter{
		log:    logging.WithComponent("route"),
		device: device,
		stops:  make(map[Mode]func()),
	}
}

// Bind registers the stopper invoked when mode must yield the hardware
// to the other side. The stopper must halt that side's activity and may
// call Release; it must not call Configure.
func (a *Arbiter) Bind(mode Mode, stop func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops[mode] = stop
}

// Configure activates the hardware for mode, first stopping and
// deactivating the other side if it holds the hardware. Re-asserting
// the mode already held changes nothing. A failed transition leaves the
// arbiter idle; the caller must not proceed with capture or playback.
func (a *Arbiter) Configure(mode Mode) error {
	if mode != ModeRecord && mode != ModePlayback {
		return fmt.Errorf("%w: %d", ErrUnknownMode, mode)
	}

	a.configMu.Lock()
	defer a.configMu.Unlock()

	a.mu.Lock()
	current := a.current
	stop := a.stops[other(mode)]
	a.mu.Unlock()

	if current == mode {
		a.log.Debug().Str("mode", mode.String()).Msg("mode already held")
		return nil
	}

	if current != ModeIdle && stop != nil {
		stop()
		// The stopper usually releases the mode it held; re-read so a
		// released side is not deactivated twice.
		a.mu.Lock()
		current = a.current
		a.mu.Unlock()
	}
	if current != ModeIdle {
		if err := a.device.Deactivate(current); err != nil {
			a.setCurrent(ModeIdle)
			return &ConfigError{Mode: mode, Err: fmt.Errorf("deactivate %s: %w", current, err)}
		}
	}
	if err := a.device.Activate(mode); err != nil {
		a.setCurrent(ModeIdle)
		return &ConfigError{Mode: mode, Err: err}
	}

	a.setCurrent(mode)
	a.log.Debug().Str("mode", mode.String()).Msg("hardware configured")
	return nil
}

// Release hands the hardware back when mode still holds it. Releasing a
// mode that is not current is a no-op, so teardown paths may call it
// unconditionally.
func (a *Arbiter) Release(mode Mode) {
	a.mu.Lock()
	if a.current != mode {
		a.mu.Unlock()
		return
	}
	a.current = ModeIdle
	a.mu.Unlock()

	if err := a.device.Deactivate(mode); err != nil {
		a.log.Warn().Err(err).Str("mode", mode.String()).Msg("deactivate on release failed")
	}
	a.log.Debug().Str("mode", mode.String()).Msg("hardware released")
}

// Current reports which side holds the hardware.
func (a *Arbiter) Current() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *Arbiter) setCurrent(mode Mode) {
	a.mu.Lock()
	a.current = mode
	a.mu.Unlock()
}
