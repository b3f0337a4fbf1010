package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    ObjectRef
		wantErr bool
	}{
		{in: "cluster/1", want: Ref(ObjectCluster, 1)},
		{in: "host/42", want: Ref(ObjectHost, 42)},
		{in: "cluster", wantErr: true},
		{in: "cluster/x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRef(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestSortRefs(t *testing.T) {
	refs := []ObjectRef{
		Ref(ObjectService, 2),
		Ref(ObjectCluster, 3),
		Ref(ObjectService, 1),
		Ref(ObjectCluster, 1),
	}
	SortRefs(refs)
	assert.Equal(t, []ObjectRef{
		Ref(ObjectCluster, 1),
		Ref(ObjectCluster, 3),
		Ref(ObjectService, 1),
		Ref(ObjectService, 2),
	}, refs)
}

func TestApplyStateChange(t *testing.T) {
	o := &Object{State: "created", MultiState: []string{"a"}}

	assert.False(t, o.ApplyStateChange(nil))
	assert.True(t, o.ApplyStateChange(&StateChange{
		State:           "installed",
		MultiStateSet:   []string{"a", "b"},
		MultiStateUnset: []string{"a"},
	}))
	assert.Equal(t, "installed", o.State)
	assert.Equal(t, []string{"b"}, o.MultiState)

	assert.False(t, o.ApplyStateChange(&StateChange{State: "installed", MultiStateSet: []string{"b"}}))
}

func TestAvailability(t *testing.T) {
	anyState := Availability{Any: true}
	listed := Availability{Values: []string{"created", "installed"}}

	assert.True(t, anyState.Allows("whatever"))
	assert.True(t, listed.Allows("installed"))
	assert.False(t, listed.Allows("running"))

	assert.False(t, anyState.Intersects(nil))
	assert.True(t, listed.Intersects([]string{"x", "created"}))
	assert.False(t, listed.Intersects([]string{"x"}))
}

func TestTaskStatusIsTerminal(t *testing.T) {
	for _, s := range []TaskStatus{StatusSuccess, StatusFailed, StatusAborted, StatusBroken} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []TaskStatus{StatusCreated, StatusRunning} {
		assert.False(t, s.IsTerminal(), s)
	}
}
