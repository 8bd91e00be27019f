package tee

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardAndRecord(t *testing.T) {
	rec := httptest.NewRecorder()
	saver := NewResponseSaver(rec)

	saver.Header().Set("Content-Type", "text/plain")
	saver.WriteHeader(201)
	_, err := saver.Write([]byte("part one "))
	require.NoError(t, err)
	_, err = saver.Write([]byte("part two"))
	require.NoError(t, err)

	// client side
	assert.Equal(t, 201, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "part one part two", rec.Body.String())

	// recorded side
	assert.Equal(t, 201, saver.StatusCode())
	assert.Equal(t, "part one part two", string(saver.Body()))
	assert.Equal(t, "text/plain", saver.HeaderSnapshot().Get("Content-Type"))
}

func TestImplicitWriteHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	saver := NewResponseSaver(rec)

	_, err := saver.Write([]byte("body"))
	require.NoError(t, err)
	assert.Equal(t, 200, saver.StatusCode())
	assert.Equal(t, 200, rec.Code)
}

func TestDoubleWriteHeaderIgnored(t *testing.T) {
	saver := NewResponseSaver(nil)
	saver.WriteHeader(404)
	saver.WriteHeader(500)
	assert.Equal(t, 404, saver.StatusCode())
}

func TestRecordOnlyWithoutWriter(t *testing.T) {
	saver := NewResponseSaver(nil)
	saver.WriteHeader(200)
	_, err := saver.Write([]byte("kept"))
	require.NoError(t, err)
	assert.Equal(t, "kept", string(saver.Body()))
}
