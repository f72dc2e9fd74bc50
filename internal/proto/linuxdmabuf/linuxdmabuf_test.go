package linuxdmabuf

import (
	"reflect"
	"testing"
)

func TestDevFromArray(t *testing.T) {
	tests := []struct {
		name  string
		words []int32
		want  uint64
	}{
		{"empty", nil, 0},
		{"low word only", []int32{0x0000e280}, 0xe280},
		{"both words", []int32{0x0000e280, 0x1}, 0x1_0000e280},
		{"negative word keeps bits", []int32{-1, 0}, 0xffffffff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := devFromArray(tt.words); got != tt.want {
				t.Errorf("devFromArray = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestIndicesFromArray(t *testing.T) {
	tests := []struct {
		name  string
		words []int32
		want  []uint16
	}{
		{"empty", nil, []uint16{}},
		{"one word two indices", []int32{0x00020001}, []uint16{1, 2}},
		{"two words", []int32{0x00020001, 0x00040003}, []uint16{1, 2, 3, 4}},
		{"high bit index", []int32{-65536}, []uint16{0, 0xffff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := indicesFromArray(tt.words)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("indicesFromArray = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestModifierJoin(t *testing.T) {
	ev := DmabufModifierEvent{ModifierHi: 0x01000000, ModifierLo: 0x00000002}
	if got := ev.Modifier(); got != 0x0100000000000002 {
		t.Errorf("Modifier = %#x, want 0x0100000000000002", got)
	}
}
