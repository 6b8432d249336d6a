// Package radio provides transmission-port implementations. Real
// deployments plug a LoRa hardware driver into the same interface; this
// package carries the development transport that emulates a shared radio
// channel over UDP broadcast, including simulated airtime.
package radio

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/grekinsky/lorachain/internal/dutycycle"
)

// UDPPort emulates a half-duplex broadcast radio over UDP. Every Transmit
// is broadcast to the peer address; Receive yields frames heard on the
// listen socket. Airtime is computed from the LoRa formula and slept, so
// duty-cycle behavior matches a real link.
type UDPPort struct {
	conn   *net.UDPConn
	peer   *net.UDPAddr
	params dutycycle.AirtimeParams
	log    zerolog.Logger
}

// NewUDPPort opens the emulated radio. listen is the local socket
// ("0.0.0.0:47808"); peer is the broadcast target ("255.255.255.255:47808").
func NewUDPPort(listen, peer string, params dutycycle.AirtimeParams, log zerolog.Logger) (*UDPPort, error) {
	laddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("resolve listen addr: %w", err)
	}
	paddr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return nil, fmt.Errorf("resolve peer addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("open udp radio: %w", err)
	}
	return &UDPPort{conn: conn, peer: paddr, params: params, log: log}, nil
}

// Transmit broadcasts the frame and blocks for its simulated airtime.
func (p *UDPPort) Transmit(frame []byte, frequencyMHz float64, sf int, bwKHz float64, cr int, powerDBm float64) (time.Duration, error) {
	params := p.params
	params.SpreadingFactor = sf
	params.BandwidthKHz = bwKHz
	params.CodingRate = cr

	airtime := dutycycle.Airtime(len(frame), params)

	if _, err := p.conn.WriteToUDP(frame, p.peer); err != nil {
		return 0, fmt.Errorf("udp transmit: %w", err)
	}
	time.Sleep(airtime)

	p.log.Trace().
		Int("bytes", len(frame)).
		Float64("freq", frequencyMHz).
		Dur("airtime", airtime).
		Msg("frame on air")
	return airtime, nil
}

// Receive blocks until a frame arrives or the context is cancelled.
// RSSI/SNR are synthesized at a healthy level — UDP has no radio physics.
func (p *UDPPort) Receive(ctx context.Context) ([]byte, dutycycle.ReceiveMeta, error) {
	buf := make([]byte, 64*1024)
	for {
		if deadline, ok := ctx.Deadline(); ok {
			p.conn.SetReadDeadline(deadline)
		} else {
			p.conn.SetReadDeadline(time.Now().Add(time.Second))
		}

		n, _, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-ctx.Done():
					return nil, dutycycle.ReceiveMeta{}, ctx.Err()
				default:
					continue
				}
			}
			return nil, dutycycle.ReceiveMeta{}, fmt.Errorf("udp receive: %w", err)
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		return frame, dutycycle.ReceiveMeta{RSSI: -60, SNR: 8}, nil
	}
}

// Close releases the socket.
func (p *UDPPort) Close() error {
	return p.conn.Close()
}
