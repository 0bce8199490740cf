package utils

import (
	"fmt"
	"math"

	"go.einride.tech/can"
)

// EncodeFrame packs values into the frame's payload. Signals missing from
// values take their default; every value is clamped to [min, max] first.
func (m *CANMap) EncodeFrame(frameName string, values map[string]float64) ([]byte, uint32, error) {
	fd, err := m.FrameByName(frameName)
	if err != nil {
		return nil, 0, err
	}
	if fd.DLC <= 0 || fd.DLC > 8 {
		return nil, 0, fmt.Errorf("frame %s has invalid DLC %d", fd.Name, fd.DLC)
	}
	for name := range values {
		if _, ok := fd.Signal(name); !ok {
			return nil, 0, fmt.Errorf("frame %s has no signal %q", fd.Name, name)
		}
	}

	var payload uint64
	for _, s := range fd.Signals {
		v, ok := values[s.Name]
		if !ok || math.IsNaN(v) {
			v = s.Default
		}
		v = max(min(v, s.Max), s.Min)

		raw := int64(math.Round((v - s.Offset) / s.Factor))
		raw = saturateRaw(raw, s.BitLength, s.Signed)
		payload = insertField(payload, s.StartBit, s.BitLength, toField(raw, s.BitLength))
	}

	out := make([]byte, fd.DLC)
	for i := range out {
		out[i] = byte(payload >> (8 * i))
	}
	return out, fd.ID, nil
}

// EncodeEinrideFrame encodes a frame ready for a socketcan Transmitter.
func (m *CANMap) EncodeEinrideFrame(frameName string, values map[string]float64) (can.Frame, error) {
	payload, id, err := m.EncodeFrame(frameName, values)
	if err != nil {
		return can.Frame{}, err
	}

	f := can.Frame{ID: id, Length: uint8(len(payload))}
	copy(f.Data[:], payload)
	if err := f.Validate(); err != nil {
		return can.Frame{}, fmt.Errorf("frame %s: %w", frameName, err)
	}
	return f, nil
}

// DecodeFrame unpacks every signal of the frame registered under frameID.
func (m *CANMap) DecodeFrame(frameID uint32, data []byte) (map[string]float64, error) {
	fd, err := m.FrameByID(frameID)
	if err != nil {
		return nil, err
	}
	if len(data) < fd.DLC {
		return nil, fmt.Errorf("frame 0x%X expects DLC %d, got %d", frameID, fd.DLC, len(data))
	}

	var payload uint64
	for i := 0; i < fd.DLC && i < 8; i++ {
		payload |= uint64(data[i]) << (8 * i)
	}

	out := make(map[string]float64, len(fd.Signals))
	for _, s := range fd.Signals {
		raw := signExtend(extractField(payload, s.StartBit, s.BitLength), s.BitLength, s.Signed)
		out[s.Name] = float64(raw)*s.Factor + s.Offset
	}
	return out, nil
}

// DecodeEinrideFrame decodes a received frame.
func (m *CANMap) DecodeEinrideFrame(f can.Frame) (map[string]float64, error) {
	if f.IsRemote || f.IsExtended {
		return nil, fmt.Errorf("frame 0x%X: remote and extended frames are not mapped", f.ID)
	}
	return m.DecodeFrame(f.ID, f.Data[:f.Length])
}
