package netmon

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adityacheruku/kuchlu-sub000/internal/bus"
)

// Class buckets the current connection quality. It is recomputed on every
// connectivity/bandwidth signal and drives upload concurrency.
type Class string

const (
	Excellent Class = "excellent"
	Good      Class = "good"
	Poor      Class = "poor"
	Offline   Class = "offline"
)

// ConcurrencyFor maps a quality class to the upload concurrency bound.
func ConcurrencyFor(c Class) int {
	switch c {
	case Excellent:
		return 5
	case Good:
		return 3
	case Poor:
		return 1
	default:
		return 0
	}
}

// Signal is one connectivity observation handed in by the platform layer
// (native reachability callbacks, interface change events).
type Signal struct {
	Online bool
	// DownlinkKbps is the estimated downlink bandwidth; 0 means unknown.
	DownlinkKbps int
}

// Monitor tracks the process-wide network quality class.
type Monitor struct {
	mu     sync.RWMutex
	class  Class
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a monitor starting in Offline; the first platform signal
// moves it to a live class.
func New(b *bus.Bus, logger *zap.Logger) *Monitor {
	return &Monitor{
		class:  Offline,
		bus:    b,
		logger: logger,
	}
}

// Current returns the current quality class.
func (m *Monitor) Current() Class {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.class
}

// Online reports whether the device currently has connectivity.
func (m *Monitor) Online() bool {
	return m.Current() != Offline
}

// Report ingests a connectivity signal, recomputes the class and publishes
// change events on the bus.
func (m *Monitor) Report(sig Signal) {
	next := classify(sig)

	m.mu.Lock()
	prev := m.class
	m.class = next
	m.mu.Unlock()

	if prev == next {
		return
	}
	if m.logger != nil {
		m.logger.Info("network quality changed",
			zap.String("from", string(prev)),
			zap.String("to", string(next)))
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindQualityChanged,
			Timestamp: time.Now(),
			Payload:   Change{From: prev, To: next},
		})
		if (prev == Offline) != (next == Offline) {
			m.bus.Publish(bus.Event{
				Kind:      bus.KindOnlineChanged,
				Timestamp: time.Now(),
				Payload:   next != Offline,
			})
		}
	}
}

// Change is the payload for quality change events.
type Change struct {
	From Class
	To   Class
}

func classify(sig Signal) Class {
	if !sig.Online {
		return Offline
	}
	switch {
	case sig.DownlinkKbps == 0:
		// Online with no bandwidth estimate.
		return Good
	case sig.DownlinkKbps < 1000:
		return Poor
	case sig.DownlinkKbps < 5000:
		return Good
	default:
		return Excellent
	}
}
