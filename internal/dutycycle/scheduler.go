package dutycycle

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/grekinsky/lorachain/config"
)

// Scheduler errors.
var (
	// ErrDutyCycleDenied reports an admission refusal; the message stays
	// queued until budget frees up (or its TTL expires).
	ErrDutyCycleDenied = errors.New("duty cycle limit reached")

	// ErrDwellTime reports a frame whose airtime exceeds the regional
	// per-transmission dwell cap. The frame can never be sent as-is.
	ErrDwellTime = errors.New("airtime exceeds dwell time cap")
)

// DeniedError carries the computed wait until the next admission chance.
type DeniedError struct {
	Wait time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("duty cycle limit reached, retry in %s", e.Wait)
}

func (e *DeniedError) Unwrap() error { return ErrDutyCycleDenied }

// ReceiveMeta carries link-quality metadata for an incoming frame.
type ReceiveMeta struct {
	RSSI float64 // dBm
	SNR  float64 // dB
}

// TransmissionPort is the radio boundary. Transmit blocks for the frame's
// airtime and reports the duration actually consumed.
type TransmissionPort interface {
	Transmit(frame []byte, frequencyMHz float64, sf int, bwKHz float64, cr int, powerDBm float64) (time.Duration, error)
	Receive(ctx context.Context) ([]byte, ReceiveMeta, error)
}

// Scheduler admits queued messages to the radio under regional regulation.
// It is the sole writer of the transmission history.
type Scheduler struct {
	queue   *Queue
	history *History
	rules   Rules
	radio   config.RadioConfig
	params  AirtimeParams
	port    TransmissionPort

	emergencyOverride bool

	// OnTransmitted is invoked after a frame is handed to the port.
	OnTransmitted func(e *Entry, airtime time.Duration)
	// OnDenied is invoked when the head of the queue is not admissible.
	OnDenied func(e *Entry, wait time.Duration)

	log zerolog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewScheduler wires a queue, history, and radio port under the configured
// region's rules.
func NewScheduler(radio config.RadioConfig, queue *Queue, history *History, port TransmissionPort, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		queue:             queue,
		history:           history,
		rules:             RulesFor(radio.Region, radio.FrequencyMHz, radio.MaxDutyCyclePercent),
		radio:             radio,
		params:            ParamsFromConfig(radio),
		port:              port,
		emergencyOverride: radio.EmergencyOverride,
		log:               log,
		now:               time.Now,
	}
}

// Rules exposes the active regional constraint.
func (s *Scheduler) Rules() Rules { return s.rules }

// EstimateAirtime returns the on-air duration of a frame of the given size.
func (s *Scheduler) EstimateAirtime(frameBytes int) time.Duration {
	return Airtime(frameBytes, s.params)
}

// Admissible checks whether a frame with the given airtime may transmit now.
// Returns nil, or a *DeniedError with the computed wait, or ErrDwellTime for
// frames that violate the dwell cap outright. Emergency traffic bypasses the
// duty-cycle budget when the override is configured.
func (s *Scheduler) Admissible(airtime time.Duration, priority Priority, now time.Time) error {
	if s.rules.MaxDwell > 0 && airtime > s.rules.MaxDwell {
		return fmt.Errorf("%w: %s > %s", ErrDwellTime, airtime, s.rules.MaxDwell)
	}
	if !s.rules.Limited() {
		return nil
	}
	if priority == PriorityEmergency && s.emergencyOverride {
		return nil
	}

	occupied := s.history.Occupancy(s.rules.Window, now)
	budget := s.rules.Budget()
	if occupied+airtime <= budget {
		return nil
	}

	return &DeniedError{Wait: s.waitUntilAdmissible(airtime, now)}
}

// waitUntilAdmissible computes how long until enough history slides out of
// the window for the airtime to fit.
func (s *Scheduler) waitUntilAdmissible(airtime time.Duration, now time.Time) time.Duration {
	budget := s.rules.Budget()
	if airtime > budget {
		return s.rules.Window // Can never fit better than a full window away.
	}

	cutoff := now.Add(-s.rules.Window)
	var inWindow []Record
	for _, r := range s.history.Snapshot() {
		if r.Timestamp.After(cutoff) {
			inWindow = append(inWindow, r)
		}
	}
	sort.Slice(inWindow, func(i, j int) bool {
		return inWindow[i].Timestamp.Before(inWindow[j].Timestamp)
	})

	occupied := time.Duration(0)
	for _, r := range inWindow {
		occupied += r.Duration
	}

	// Slide forward record by record until the frame fits.
	for _, r := range inWindow {
		occupied -= r.Duration
		if occupied+airtime <= budget {
			return r.Timestamp.Add(s.rules.Window).Sub(now)
		}
	}
	return s.rules.Window
}

// TransmitNext pops the highest-priority admissible message and sends it.
// Returns (false, nil) when the queue is empty, (false, err) when the head
// is denied, (true, nil) after a successful transmission.
func (s *Scheduler) TransmitNext() (bool, error) {
	now := s.now()
	s.queue.PurgeExpired(now)

	head := s.queue.Peek()
	if head == nil {
		return false, nil
	}

	airtime := s.EstimateAirtime(len(head.Frame))
	if err := s.Admissible(airtime, head.Priority, now); err != nil {
		var denied *DeniedError
		if errors.As(err, &denied) && s.OnDenied != nil {
			s.OnDenied(head, denied.Wait)
		}
		if errors.Is(err, ErrDwellTime) {
			// The frame can never pass: drop it rather than wedge the queue.
			s.queue.Pop()
			s.log.Warn().
				Uint64("id", head.ID).
				Dur("airtime", airtime).
				Msg("dropping frame over dwell-time cap")
		}
		return false, err
	}

	e := s.queue.Pop()
	if e == nil || e.ID != head.ID {
		// Head changed between peek and pop (cancellation); try next tick.
		if e != nil {
			s.requeue(e)
		}
		return false, nil
	}

	duration, err := s.port.Transmit(e.Frame, s.radio.FrequencyMHz,
		s.radio.SpreadingFactor, s.radio.BandwidthKHz, s.radio.CodingRate, s.radio.TxPowerDBm)
	if err != nil {
		return false, fmt.Errorf("transmit: %w", err)
	}

	s.history.Append(Record{
		Timestamp:    now,
		Duration:     duration,
		FrequencyMHz: s.radio.FrequencyMHz,
		PowerDBm:     s.radio.TxPowerDBm,
		Priority:     e.Priority,
		MessageType:  e.MessageType,
		MessageSize:  len(e.Frame),
	})

	if s.OnTransmitted != nil {
		s.OnTransmitted(e, duration)
	}
	s.log.Debug().
		Uint64("id", e.ID).
		Str("priority", e.Priority.String()).
		Dur("airtime", duration).
		Msg("frame transmitted")
	return true, nil
}

// requeue puts a popped entry back preserving its identity.
func (s *Scheduler) requeue(e *Entry) {
	s.queue.mu.Lock()
	heap.Push(&s.queue.entries, e)
	s.queue.byID[e.ID] = e
	s.queue.mu.Unlock()
}

// Run drives the scheduler at a fixed cadence until the context is
// cancelled. Denials are expected and only traced.
func (s *Scheduler) Run(ctx context.Context, cadence time.Duration) {
	if cadence <= 0 {
		cadence = 100 * time.Millisecond
	}
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				sent, err := s.TransmitNext()
				if err != nil || !sent {
					break
				}
			}
		}
	}
}
