package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/poiesic/handbook/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalPassage(t *testing.T) {
	passage := core.NewPassage("handbook.pdf", 4, "Travel must be approved in advance.", []float32{0.6, 0.8})
	passage.InsertedAt = time.Now().UTC().Truncate(time.Microsecond)

	decoded, err := UnmarshalPassage(MarshalPassage(passage))
	require.NoError(t, err)
	assert.Equal(t, passage.Id, decoded.Id)
	assert.Equal(t, passage.Text, decoded.Text)
	assert.Equal(t, passage.Vector, decoded.Vector)
	assert.True(t, passage.InsertedAt.Equal(decoded.InsertedAt))
}

func TestUnmarshalPassage_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty data", []byte{}},
		{"truncated string", []byte{0x01, 0x10, 'a'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalPassage(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSerializationFailed))
		})
	}
}
