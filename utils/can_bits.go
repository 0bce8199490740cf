package utils

import "math"

// Little-endian (Intel) bit field helpers over a 64-bit payload.

func fieldMask(bitLen int) uint64 {
	if bitLen >= 64 {
		return math.MaxUint64
	}
	return (uint64(1) << bitLen) - 1
}

func extractField(payload uint64, startBit, bitLen int) uint64 {
	if bitLen <= 0 || bitLen > 64 || startBit < 0 || startBit+bitLen > 64 {
		return 0
	}
	return (payload >> startBit) & fieldMask(bitLen)
}

func insertField(payload uint64, startBit, bitLen int, value uint64) uint64 {
	if bitLen <= 0 || bitLen > 64 || startBit < 0 || startBit+bitLen > 64 {
		return payload
	}
	mask := fieldMask(bitLen)
	payload &^= mask << startBit
	return payload | (value&mask)<<startBit
}

// signExtend interprets the low bitLen bits of u as two's complement.
func signExtend(u uint64, bitLen int, signed bool) int64 {
	if !signed || bitLen >= 64 {
		return int64(u)
	}
	shift := 64 - bitLen
	return int64(u<<shift) >> shift
}

// toField truncates raw to its bitLen-wide two's complement pattern.
func toField(raw int64, bitLen int) uint64 {
	return uint64(raw) & fieldMask(bitLen)
}

// saturateRaw limits raw to what bitLen bits can represent.
func saturateRaw(raw int64, bitLen int, signed bool) int64 {
	if bitLen <= 0 || bitLen > 63 {
		return raw
	}
	var lo, hi int64
	if signed {
		lo = -(int64(1) << (bitLen - 1))
		hi = (int64(1) << (bitLen - 1)) - 1
	} else {
		hi = (int64(1) << bitLen) - 1
	}
	return min(max(raw, lo), hi)
}
