package adcmerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{ClusterNotFound, http.StatusNotFound},
		{JobNotFound, http.StatusNotFound},
		{InvalidInput, http.StatusBadRequest},
		{WrongActionHC, http.StatusBadRequest},
		{TaskError, http.StatusConflict},
		{LockError, http.StatusConflict},
		{ForeignHost, http.StatusConflict},
		{Internal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.HTTPStatus())
		})
	}
}

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("launch: %w", New(LockError, "cluster is locked"))

	assert.Equal(t, LockError, CodeOf(err))
	assert.True(t, Is(err, LockError))
	assert.True(t, CodeOf(err).Retriable())
	assert.True(t, errors.Is(err, &Error{Code: LockError}))
	assert.Equal(t, Internal, CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestListAccumulates(t *testing.T) {
	var l List
	require.NoError(t, l.Err())

	l.Add(HostNotFound, "host %d does not exist", 7)
	single := l.Err()
	require.Error(t, single)
	assert.Equal(t, HostNotFound, CodeOf(single))

	nested := &List{}
	nested.Add(ComponentConstraintError, "svc.comp requires +")
	l.Append(nested)
	l.Append(errors.New("plain"))

	assert.Equal(t, 3, l.Len())
	err := l.Err()
	assert.Equal(t, HostNotFound, CodeOf(err))
	assert.True(t, Is(err, ComponentConstraintError))
	assert.True(t, Is(err, Internal))
	assert.Contains(t, err.Error(), "svc.comp requires +")
}
