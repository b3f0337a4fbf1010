package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConstraint(t *testing.T) {
	tests := []struct {
		name    string
		parts   []string
		wantErr bool
		want    string
	}{
		{"empty", nil, false, "0,+"},
		{"any", []string{"any"}, false, "any"},
		{"all", []string{"+"}, false, "+"},
		{"odd", []string{"odd"}, false, "odd"},
		{"exact", []string{"2"}, false, "2"},
		{"min plus", []string{"1", "+"}, false, "1,+"},
		{"range", []string{"1", "3"}, false, "1,3"},
		{"min odd", []string{"0", "odd"}, false, "0,odd"},
		{"max below min", []string{"3", "1"}, true, ""},
		{"negative", []string{"-1"}, true, ""},
		{"garbage", []string{"x"}, true, ""},
		{"too long", []string{"1", "2", "3"}, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseConstraint(tt.parts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.String())
		})
	}
}

func TestConstraintSatisfied(t *testing.T) {
	tests := []struct {
		name         string
		c            Constraint
		count, hosts int
		want         bool
	}{
		{"any zero", Any, 0, 3, true},
		{"all on every host", MustParse("+"), 3, 3, true},
		{"all missing one", MustParse("+"), 2, 3, false},
		{"all empty cluster", MustParse("+"), 0, 0, false},
		{"odd one", MustParse("odd"), 1, 5, true},
		{"odd two", MustParse("odd"), 2, 5, false},
		{"odd zero", MustParse("odd"), 0, 5, false},
		{"zero or odd", MustParse("0", "odd"), 0, 5, true},
		{"min odd below", MustParse("3", "odd"), 1, 5, false},
		{"exact", MustParse("2"), 2, 5, true},
		{"exact over", MustParse("2"), 3, 5, false},
		{"at least one", MustParse("1", "+"), 0, 5, false},
		{"range inside", MustParse("1", "2"), 2, 5, true},
		{"range above", MustParse("1", "2"), 3, 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.c.Satisfied(tt.count, tt.hosts))
		})
	}
}
