package utils

import "sort"

// Frame directions as seen from this process.
const (
	DirectionTX = "tx"
	DirectionRX = "rx"
)

type SignalDef struct {
	Name       string
	StartBit   int
	BitLength  int
	Signed     bool
	Factor     float64
	Offset     float64
	Min        float64
	Max        float64
	Default    float64
	Unit       string
	Comment    string
	Endianness string // only "little" supported
}

type FrameDef struct {
	ID        uint32
	Name      string
	DLC       int
	Direction string
	CycleMS   int
	Signals   []SignalDef
}

// Signal returns the named signal definition.
func (f *FrameDef) Signal(name string) (SignalDef, bool) {
	for _, s := range f.Signals {
		if s.Name == name {
			return s, true
		}
	}
	return SignalDef{}, false
}

// Resolution is the physical value of one raw LSB.
func (s SignalDef) Resolution() float64 {
	if s.Factor < 0 {
		return -s.Factor
	}
	return s.Factor
}

type CANMap struct {
	ByID   map[uint32]*FrameDef
	ByName map[string]*FrameDef
}

func (m *CANMap) FrameNames() []string {
	out := make([]string, 0, len(m.ByName))
	for k := range m.ByName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
