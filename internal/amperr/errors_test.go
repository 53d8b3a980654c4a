package amperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindHTTPStatus(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{Unauthorized, http.StatusUnauthorized},
		{Forbidden, http.StatusForbidden},
		{NotFound, http.StatusNotFound},
		{Conflict, http.StatusConflict},
		{BadRequest, http.StatusBadRequest},
		{Unavailable, http.StatusServiceUnavailable},
		{Internal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.status, tt.kind.HTTPStatus())
		})
	}
}

func TestKindOf(t *testing.T) {
	err := New(NotFound, errors.New("channel 42 not found"))
	assert.Equal(t, NotFound, KindOf(err))
	assert.Equal(t, "channel 42 not found", err.Error())

	// Unclassified errors fall back to Internal.
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, Internal, KindOf(nil))
}

func TestKindOfWrapped(t *testing.T) {
	inner := New(Conflict, errors.New("id 7 already exists"))
	outer := fmt.Errorf("create channel: %w", inner)

	assert.Equal(t, Conflict, KindOf(outer))
	assert.True(t, IsKind(outer, Conflict))
	assert.False(t, IsKind(outer, NotFound))
}

func TestErrorfKeepsSentinels(t *testing.T) {
	sentinel := errors.New("process exited")
	err := Errorf(Unavailable, "spawn failed: %w", sentinel)

	assert.True(t, errors.Is(err, sentinel))
	assert.Equal(t, Unavailable, KindOf(err))
	assert.Contains(t, err.Error(), "spawn failed")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "not_found", NotFound.String())
	assert.Equal(t, "internal", Internal.String())
	assert.Equal(t, "internal", Kind(99).String())
}
