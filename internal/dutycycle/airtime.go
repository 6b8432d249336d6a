// Package dutycycle enforces regional radio regulations over a priority-
// ordered transmission queue: per-region duty-cycle and dwell-time limits,
// LoRa airtime accounting, and a fixed-cadence transmission scheduler.
package dutycycle

import (
	"math"
	"time"

	"github.com/grekinsky/lorachain/config"
)

// AirtimeParams are the LoRa modem parameters the airtime formula needs.
type AirtimeParams struct {
	SpreadingFactor int     // 7..12
	BandwidthKHz    float64 // 125, 250, 500
	CodingRate      int     // 5..8 → 4/5..4/8
	PreambleLength  int     // Symbols (typically 8)
	ExplicitHeader  bool    // LoRa explicit header mode
	CRCEnabled      bool
}

// ParamsFromConfig builds airtime parameters from the radio configuration.
// Explicit header and CRC are always on for mesh frames.
func ParamsFromConfig(r config.RadioConfig) AirtimeParams {
	return AirtimeParams{
		SpreadingFactor: r.SpreadingFactor,
		BandwidthKHz:    r.BandwidthKHz,
		CodingRate:      r.CodingRate,
		PreambleLength:  r.PreambleLength,
		ExplicitHeader:  true,
		CRCEnabled:      true,
	}
}

// Airtime computes the on-air duration of a LoRa frame via the standard
// formula (Semtech AN1200.13):
//
//	Tsym      = 2^SF / BW
//	Tpreamble = (Npreamble + 4.25) · Tsym
//	Npayload  = 8 + max(ceil((8PL − 4SF + 28 + 16CRC − 20IH) / (4(SF − 2DE))) · (CR − 4 + 4), 0)
//	Tair      = Tpreamble + Npayload · Tsym
//
// DE (low data rate optimization) is set for SF11/SF12 at 125 kHz.
func Airtime(payloadBytes int, p AirtimeParams) time.Duration {
	sf := float64(p.SpreadingFactor)
	bwHz := p.BandwidthKHz * 1000

	tSym := math.Pow(2, sf) / bwHz // seconds per symbol

	de := 0.0
	if p.SpreadingFactor >= 11 && p.BandwidthKHz == 125 {
		de = 1.0
	}
	ih := 0.0
	if !p.ExplicitHeader {
		ih = 1.0
	}
	crc := 0.0
	if p.CRCEnabled {
		crc = 1.0
	}
	cr := float64(p.CodingRate - 4) // 1..4

	num := 8*float64(payloadBytes) - 4*sf + 28 + 16*crc - 20*ih
	den := 4 * (sf - 2*de)
	payloadSymbols := 8 + math.Max(math.Ceil(num/den)*(cr+4), 0)

	tPreamble := (float64(p.PreambleLength) + 4.25) * tSym
	total := tPreamble + payloadSymbols*tSym

	return time.Duration(total * float64(time.Second))
}
