package version

import (
	"testing"

	"github.com/cuemby/adcm/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "1.1", -1},
		{"1.10", "1.9", 1},
		{"2.0", "10.0", -1},
		{"1.0.1", "1.0", 1},
		{"1.0", "1.0.0", -1},
		{"1.0a", "1.0b", -1},
		{"1.01", "1.1", 0},
		{"1.0-rc1", "1.0-1", -1},
		{"7.2_b3", "7.2.b3", 0},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.a, tt.b))
			assert.Equal(t, -tt.want, Compare(tt.b, tt.a))
		})
	}
}

func TestInRange(t *testing.T) {
	tests := []struct {
		name string
		v    string
		r    types.VersionRange
		want bool
	}{
		{"open", "5", types.VersionRange{}, true},
		{"inclusive min", "1.0", types.VersionRange{Min: "1.0", Max: "2.0"}, true},
		{"strict min", "1.0", types.VersionRange{Min: "1.0", Max: "2.0", MinStrict: true}, false},
		{"inclusive max", "2.0", types.VersionRange{Min: "1.0", Max: "2.0"}, true},
		{"strict max", "2.0", types.VersionRange{Max: "2.0", MaxStrict: true}, false},
		{"below", "0.9", types.VersionRange{Min: "1.0"}, false},
		{"above", "2.1", types.VersionRange{Max: "2.0"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InRange(tt.v, tt.r))
		})
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "[1.0, 2.0)", Describe(types.VersionRange{Min: "1.0", Max: "2.0", MaxStrict: true}))
	assert.Equal(t, "(*, *]", Describe(types.VersionRange{MinStrict: true}))
}
