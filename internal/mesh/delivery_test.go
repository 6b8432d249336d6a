package mesh

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/grekinsky/lorachain/config"
)

func deliveryConfig() config.MeshConfig {
	return config.MeshConfig{
		AckTimeoutMs:      100,
		MaxRetries:        3,
		BackoffInitialMs:  50,
		BackoffMaxMs:      1000,
		BackoffMultiplier: 2.0,
		BackoffJitterMs:   0, // Deterministic for tests.
	}
}

type sentLog struct {
	frames [][]byte
}

func (l *sentLog) transmit(frame []byte, _ NodeID) error {
	l.frames = append(l.frames, frame)
	return nil
}

func TestDelivery_BestEffortSingleAttempt(t *testing.T) {
	log := &sentLog{}
	d := NewDelivery(deliveryConfig(), log.transmit, zerolog.Nop())

	id, err := d.Send([]byte("frame"), NodeID{0x01}, BestEffort)
	if err != nil {
		t.Fatal(err)
	}
	if id != 0 {
		t.Error("best-effort sends carry no ack id")
	}
	if len(log.frames) != 1 {
		t.Fatalf("transmits = %d, want 1", len(log.frames))
	}
	if d.PendingCount() != 0 {
		t.Error("best-effort must not track pending state")
	}
}

func TestDelivery_AckResolvesPending(t *testing.T) {
	log := &sentLog{}
	d := NewDelivery(deliveryConfig(), log.transmit, zerolog.Nop())

	var delivered []MessageID
	d.OnDelivered = func(id MessageID, _ NodeID) { delivered = append(delivered, id) }

	id, err := d.Send([]byte("frame"), NodeID{0x01}, Confirmed)
	if err != nil {
		t.Fatal(err)
	}
	if d.PendingCount() != 1 {
		t.Fatal("send should be pending")
	}

	d.Ack(id)
	if d.PendingCount() != 0 {
		t.Error("ack should resolve the pending entry")
	}
	if len(delivered) != 1 || delivered[0] != id {
		t.Error("OnDelivered should fire once")
	}

	// Duplicate ack: idempotent, no second callback.
	d.Ack(id)
	if len(delivered) != 1 {
		t.Error("duplicate ack must have no additional effect")
	}
}

func TestDelivery_RetriesWithBackoff(t *testing.T) {
	log := &sentLog{}
	d := NewDelivery(deliveryConfig(), log.transmit, zerolog.Nop())

	now := time.Now()
	d.now = func() time.Time { return now }

	if _, err := d.Send([]byte("frame"), NodeID{0x01}, Confirmed); err != nil {
		t.Fatal(err)
	}
	if len(log.frames) != 1 {
		t.Fatalf("initial transmits = %d, want 1", len(log.frames))
	}

	// Before the ack timeout: no retry.
	if n := d.Tick(); n != 0 {
		t.Errorf("early tick retried %d", n)
	}

	// Past the ack timeout: first retry.
	now = now.Add(150 * time.Millisecond)
	if n := d.Tick(); n != 1 {
		t.Errorf("tick retries = %d, want 1", n)
	}
	if len(log.frames) != 2 {
		t.Errorf("transmits = %d, want 2", len(log.frames))
	}
}

func TestDelivery_ConfirmedExhaustionFails(t *testing.T) {
	log := &sentLog{}
	d := NewDelivery(deliveryConfig(), log.transmit, zerolog.Nop())

	now := time.Now()
	d.now = func() time.Time { return now }

	var failed []MessageID
	d.OnFailed = func(id MessageID, _ NodeID, _ Level) { failed = append(failed, id) }

	if _, err := d.Send([]byte("frame"), NodeID{0x01}, Confirmed); err != nil {
		t.Fatal(err)
	}

	// March time forward until retries exhaust.
	for i := 0; i < 20; i++ {
		now = now.Add(2 * time.Second)
		d.Tick()
	}

	if d.PendingCount() != 0 {
		t.Error("exhausted send should leave pending")
	}
	if len(failed) != 1 {
		t.Fatalf("OnFailed fired %d times, want 1", len(failed))
	}
	// Confirmed (not guaranteed) exhaustion does not dead-letter.
	if len(d.DeadLetters()) != 0 {
		t.Error("confirmed sends do not dead-letter")
	}
}

func TestDelivery_GuaranteedExhaustionDeadLetters(t *testing.T) {
	log := &sentLog{}
	d := NewDelivery(deliveryConfig(), log.transmit, zerolog.Nop())

	now := time.Now()
	d.now = func() time.Time { return now }

	id, err := d.Send([]byte("important"), NodeID{0x09}, Guaranteed)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 60; i++ {
		now = now.Add(300 * time.Millisecond)
		d.Tick()
	}

	dead := d.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if dead[0].ID != id || string(dead[0].Frame) != "important" {
		t.Error("dead letter should carry the failed frame")
	}
	// Guaranteed retries exceed the confirmed budget.
	if dead[0].Attempts <= deliveryConfig().MaxRetries {
		t.Errorf("guaranteed attempts = %d, want > %d", dead[0].Attempts, deliveryConfig().MaxRetries)
	}
}

func TestDelivery_CancelDropsBookkeeping(t *testing.T) {
	log := &sentLog{}
	d := NewDelivery(deliveryConfig(), log.transmit, zerolog.Nop())

	id, _ := d.Send([]byte("frame"), NodeID{0x01}, Confirmed)
	d.Cancel(id)
	if d.PendingCount() != 0 {
		t.Error("cancel should drop the pending entry")
	}

	// Ack after cancel: harmless.
	d.Ack(id)
}

func TestAckPayload_RoundTrip(t *testing.T) {
	data := EncodeAckPayload(MessageID(77))
	id, err := DecodeAckPayload(data)
	if err != nil {
		t.Fatal(err)
	}
	if id != 77 {
		t.Errorf("id = %d, want 77", id)
	}
	if _, err := DecodeAckPayload(nil); err == nil {
		t.Error("empty ack payload should error")
	}
}
