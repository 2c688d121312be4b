package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_TypedRejectionsAreBadRequest(t *testing.T) {
	for _, typ := range []ErrorType{
		TypeMissingRequired, TypeInvalidFormat, TypeRateLimit,
		TypeMaxParticipants, TypeNotFound, TypeServerBusy,
	} {
		t.Run(string(typ), func(t *testing.T) {
			err := New(typ)

			assert.Equal(t, typ, err.Type)
			assert.NotEmpty(t, err.Message)
			assert.NotNil(t, err.Context)
			assert.Equal(t, http.StatusBadRequest, err.HTTPStatus())
		})
	}
}

func TestNew_UnknownTypeFallsBackToInternalMessage(t *testing.T) {
	err := New(ErrorType("SOMETHING"))

	assert.Equal(t, "Internal server error", err.Message)
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus())
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := fmt.Errorf("redis down")
	err := Wrap(TypeServerBusy, cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "SERVER_BUSY")
	assert.Contains(t, err.Error(), "redis down")
}

func TestToResponse(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	err := New(TypeInvalidFormat, "name is required", "target must be a number")

	data, jsonErr := json.Marshal(err.ToResponse(now))
	require.NoError(t, jsonErr)

	assert.JSONEq(t, `{
		"success": false,
		"message": "Please check that the input format is correct",
		"errorType": "INVALID_FORMAT",
		"details": ["name is required", "target must be a number"],
		"timestamp": 1700000000123
	}`, string(data))
}

func TestToResponse_NoDetailsIsNull(t *testing.T) {
	data, err := json.Marshal(New(TypeRateLimit).ToResponse(time.UnixMilli(0)))
	require.NoError(t, err)

	assert.Contains(t, string(data), `"details":null`)
}

func TestWithField(t *testing.T) {
	err := New(TypeNotFound).WithField("person_id", int64(7)).WithField("origin", "1.2.3.4")

	assert.Equal(t, int64(7), err.Context["person_id"])
	assert.Equal(t, "1.2.3.4", err.Context["origin"])
}

func TestAsStructuredError(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, AsStructuredError(nil))
	})

	t.Run("already structured and wrapped", func(t *testing.T) {
		original := New(TypeRateLimit)
		wrapped := fmt.Errorf("handler: %w", original)

		assert.Same(t, original, AsStructuredError(wrapped))
	})

	t.Run("plain error becomes internal", func(t *testing.T) {
		plain := fmt.Errorf("boom")
		got := AsStructuredError(plain)

		assert.Equal(t, TypeInternal, got.Type)
		assert.ErrorIs(t, got, plain)
		assert.Equal(t, http.StatusInternalServerError, got.HTTPStatus())
	})
}
