package dutycycle

import (
	"time"

	"github.com/grekinsky/lorachain/config"
)

// Rules captures what a regulatory region permits on a given frequency.
type Rules struct {
	// DutyCyclePercent is the permitted on-air fraction over the sliding
	// window (0 = no duty-cycle limit).
	DutyCyclePercent float64

	// Window is the sliding window the duty cycle is evaluated over.
	Window time.Duration

	// MaxDwell caps a single transmission's duration (0 = no cap).
	// Applies to frequency-hopping regimes (US/CA/MX 400 ms).
	MaxDwell time.Duration
}

// Limited reports whether any duty-cycle budget applies.
func (r Rules) Limited() bool {
	return r.DutyCyclePercent > 0
}

// Budget is the permitted total airtime inside the window.
func (r Rules) Budget() time.Duration {
	if !r.Limited() {
		return 0
	}
	return time.Duration(float64(r.Window) * r.DutyCyclePercent / 100)
}

// dwellTimeFHSS is the FCC/ISED dwell-time cap under frequency hopping.
const dwellTimeFHSS = 400 * time.Millisecond

// RulesFor resolves the regulatory constraint for a region and frequency.
// EU sub-bands follow ETSI EN 300 220; JP follows ARIB STD-T108.
func RulesFor(region config.Region, frequencyMHz, customPercent float64) Rules {
	const hour = time.Hour
	switch region {
	case config.RegionEU:
		return Rules{DutyCyclePercent: euSubBandPercent(frequencyMHz), Window: hour}
	case config.RegionUS, config.RegionCA, config.RegionMX:
		// No duty cycle; 400 ms dwell-time cap when frequency-hopping.
		return Rules{MaxDwell: dwellTimeFHSS}
	case config.RegionJP:
		return Rules{DutyCyclePercent: 10, Window: hour}
	case config.RegionAU, config.RegionNZ, config.RegionBR, config.RegionAR:
		return Rules{}
	case config.RegionCustom:
		return Rules{DutyCyclePercent: customPercent, Window: hour}
	default:
		// Unknown regions get the most conservative EU sub-band.
		return Rules{DutyCyclePercent: 0.1, Window: hour}
	}
}

// euSubBandPercent maps an EU 863-870 MHz frequency to its sub-band's duty
// cycle.
func euSubBandPercent(frequencyMHz float64) float64 {
	switch {
	case frequencyMHz >= 863.0 && frequencyMHz < 865.0:
		return 0.1 // h1.3
	case frequencyMHz >= 865.0 && frequencyMHz < 868.0:
		return 1 // h1.4
	case frequencyMHz >= 868.0 && frequencyMHz < 868.6:
		return 1 // h1.5
	case frequencyMHz >= 868.7 && frequencyMHz < 869.2:
		return 0.1 // h1.6
	case frequencyMHz >= 869.4 && frequencyMHz < 869.65:
		return 10 // h1.7
	case frequencyMHz >= 869.7 && frequencyMHz < 870.0:
		return 1 // h1.9
	default:
		return 0.1 // Outside the harmonized bands: be conservative.
	}
}
