package utils

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

var requiredColumns = []string{
	"direction", "frame_id", "frame_name", "cycle_ms", "dlc",
	"signal_name", "start_bit", "bit_length", "endianness",
	"signed", "factor", "offset", "min", "max", "default", "unit", "comment",
}

// LoadCANMap reads a can_map.csv file.
func LoadCANMap(csvPath string) (*CANMap, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := ParseCANMap(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", csvPath, err)
	}
	return m, nil
}

// ParseCANMap reads one signal per row. Rows sharing a frame_id form one
// frame; signals are sorted by start bit and must not overlap.
func ParseCANMap(src io.Reader) (*CANMap, error) {
	r := csv.NewReader(src)
	r.TrimLeadingSpace = true
	r.Comment = '#'

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, k := range requiredColumns {
		if _, ok := idx[k]; !ok {
			return nil, fmt.Errorf("can_map.csv missing required column: %q", k)
		}
	}

	m := &CANMap{
		ByID:   map[uint32]*FrameDef{},
		ByName: map[string]*FrameDef{},
	}

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := r.FieldPos(0)
		p := rowParser{rec: rec, idx: idx}

		frameID := p.uint32("frame_id")
		frameName := p.str("frame_name")
		direction := strings.ToLower(p.str("direction"))
		cycleMS := p.int("cycle_ms")
		dlc := p.int("dlc")

		sig := SignalDef{
			Name:       p.str("signal_name"),
			StartBit:   p.int("start_bit"),
			BitLength:  p.int("bit_length"),
			Endianness: p.str("endianness"),
			Signed:     p.bool("signed"),
			Factor:     p.float("factor"),
			Offset:     p.float("offset"),
			Min:        p.float("min"),
			Max:        p.float("max"),
			Default:    p.float("default"),
			Unit:       p.str("unit"),
			Comment:    p.str("comment"),
		}
		if p.err != nil {
			return nil, fmt.Errorf("line %d: %w", line, p.err)
		}
		if err := validateRow(frameName, frameID, direction, dlc, sig); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		fd, ok := m.ByID[frameID]
		if !ok {
			if other, dup := m.ByName[frameName]; dup {
				return nil, fmt.Errorf("line %d: frame name %s already used by 0x%X", line, frameName, other.ID)
			}
			fd = &FrameDef{
				ID:        frameID,
				Name:      frameName,
				DLC:       dlc,
				Direction: direction,
				CycleMS:   cycleMS,
			}
			m.ByID[frameID] = fd
			m.ByName[frameName] = fd
		}

		if fd.DLC != dlc {
			return nil, fmt.Errorf("line %d: frame %s (0x%X) has inconsistent DLC (%d vs %d)", line, frameName, frameID, fd.DLC, dlc)
		}
		if _, dup := fd.Signal(sig.Name); dup {
			return nil, fmt.Errorf("line %d: frame %s declares signal %s twice", line, frameName, sig.Name)
		}

		fd.Signals = append(fd.Signals, sig)
	}

	for _, fd := range m.ByID {
		sort.Slice(fd.Signals, func(i, j int) bool { return fd.Signals[i].StartBit < fd.Signals[j].StartBit })
		for i := 1; i < len(fd.Signals); i++ {
			prev, cur := fd.Signals[i-1], fd.Signals[i]
			if prev.StartBit+prev.BitLength > cur.StartBit {
				return nil, fmt.Errorf("frame %s: signals %s and %s overlap", fd.Name, prev.Name, cur.Name)
			}
		}
	}

	return m, nil
}

func validateRow(frameName string, frameID uint32, direction string, dlc int, sig SignalDef) error {
	switch {
	case frameName == "":
		return fmt.Errorf("frame 0x%X: empty frame_name", frameID)
	case direction != DirectionTX && direction != DirectionRX:
		return fmt.Errorf("frame %s: direction must be tx or rx, got %q", frameName, direction)
	case dlc <= 0 || dlc > 8:
		return fmt.Errorf("frame %s (0x%X): invalid dlc %d", frameName, frameID, dlc)
	case sig.Endianness != "" && sig.Endianness != "little":
		return fmt.Errorf("frame %s signal %s: unsupported endianness %q (only little supported)",
			frameName, sig.Name, sig.Endianness)
	case sig.BitLength <= 0 || sig.BitLength > 64:
		return fmt.Errorf("frame %s signal %s: invalid bit_length %d", frameName, sig.Name, sig.BitLength)
	case sig.StartBit < 0 || sig.StartBit+sig.BitLength > 8*dlc:
		return fmt.Errorf("frame %s signal %s: bits %d..%d exceed dlc %d",
			frameName, sig.Name, sig.StartBit, sig.StartBit+sig.BitLength-1, dlc)
	case sig.Factor == 0:
		return fmt.Errorf("frame %s signal %s: factor must be non-zero", frameName, sig.Name)
	case sig.Min > sig.Max:
		return fmt.Errorf("frame %s signal %s: min %g > max %g", frameName, sig.Name, sig.Min, sig.Max)
	}
	return nil
}

func (m *CANMap) FrameByName(name string) (*FrameDef, error) {
	fd, ok := m.ByName[name]
	if !ok {
		return nil, fmt.Errorf("unknown frame %q (available: %v)", name, m.FrameNames())
	}
	return fd, nil
}

func (m *CANMap) FrameByID(id uint32) (*FrameDef, error) {
	fd, ok := m.ByID[id]
	if !ok {
		return nil, fmt.Errorf("unknown frame id 0x%X", id)
	}
	return fd, nil
}

// rowParser keeps the first conversion error of a CSV row.
type rowParser struct {
	rec []string
	idx map[string]int
	err error
}

func (p *rowParser) str(col string) string {
	i := p.idx[col]
	if i >= len(p.rec) {
		return ""
	}
	return strings.TrimSpace(p.rec[i])
}

func (p *rowParser) fail(col, val string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", col, val, err)
	}
}

func (p *rowParser) int(col string) int {
	s := p.str(col)
	v, err := strconv.Atoi(s)
	if err != nil {
		p.fail(col, s, err)
	}
	return v
}

func (p *rowParser) uint32(col string) uint32 {
	s := p.str(col)
	v, err := parseHexOrDecUint32(s)
	if err != nil {
		p.fail(col, s, err)
	}
	return v
}

func (p *rowParser) float(col string) float64 {
	s := p.str(col)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(col, s, err)
	}
	return v
}

func (p *rowParser) bool(col string) bool {
	switch strings.ToLower(p.str(col)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func parseHexOrDecUint32(s string) (uint32, error) {
	ss := strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(ss, "0x") || strings.HasPrefix(ss, "0X") {
		base = 16
		ss = ss[2:]
	}
	u, err := strconv.ParseUint(ss, base, 32)
	if err != nil {
		return 0, err
	}
	return uint32(u), nil
}
