package dutycycle

// Message type tags shared with the mesh wire format.
// Kept here so priority mapping does not import the mesh package.
const (
	MsgTransaction byte = 0x01
	MsgBlock       byte = 0x02
	MsgSync        byte = 0x03 // Merkle proofs / chain sync
	MsgRouting     byte = 0x04 // Route request/reply/error
	MsgHello       byte = 0x05 // Neighbor beacons
	MsgFragment    byte = 0x06
	MsgAck         byte = 0x07
)

// Fee-rate thresholds (base units per byte) for transaction priority tiers.
const (
	feeRateHigh   = 100_000
	feeRateNormal = 10_000
)

// PriorityFor maps UTXO traffic to queue priority: blocks are critical,
// transactions tier by fee rate, merkle proofs ride high, routing control
// and acks ride normal, and beacons fill the idle airtime.
func PriorityFor(msgType byte, feePerByte uint64) Priority {
	switch msgType {
	case MsgBlock:
		return PriorityCritical
	case MsgTransaction:
		switch {
		case feePerByte >= feeRateHigh:
			return PriorityHigh
		case feePerByte >= feeRateNormal:
			return PriorityNormal
		default:
			return PriorityLow
		}
	case MsgSync:
		return PriorityHigh
	case MsgRouting:
		return PriorityNormal
	case MsgHello:
		return PriorityLow
	case MsgAck:
		return PriorityNormal
	default:
		return PriorityLow
	}
}
