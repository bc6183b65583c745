package traj

import (
	"bytes"
	"compress/zlib"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecodePoseMessage(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		layout    Layout
		wantTS    float64
		wantHasTS bool
		wantTrans r3.Vector
	}{
		{
			name:      "text quat7",
			payload:   "1 2 3 0 0 0 1\n",
			layout:    LayoutQuat7,
			wantTrans: r3.Vector{X: 1, Y: 2, Z: 3},
		},
		{
			name:      "text tum8 carries its timestamp",
			payload:   "12.5 1 2 3 0 0 0 1",
			layout:    LayoutTUM8,
			wantTS:    12.5,
			wantHasTS: true,
			wantTrans: r3.Vector{X: 1, Y: 2, Z: 3},
		},
		{
			name:      "json array matrix16",
			payload:   "[1,0,0,4, 0,1,0,5, 0,0,1,6, 0,0,0,1]",
			layout:    LayoutMatrix16,
			wantTrans: r3.Vector{X: 4, Y: 5, Z: 6},
		},
		{
			name:      "json object with quaternion",
			payload:   `{"timestamp": 3.25, "translation": [7, 8, 9], "rotation": {"W": 1, "X": 0, "Y": 0, "Z": 0}}`,
			layout:    LayoutQuat7,
			wantTS:    3.25,
			wantHasTS: true,
			wantTrans: r3.Vector{X: 7, Y: 8, Z: 9},
		},
		{
			name:      "json object with matrix",
			payload:   `{"matrix": [1,0,0,-1, 0,1,0,-2, 0,0,1,-3, 0,0,0,1]}`,
			layout:    LayoutTUM8,
			wantTrans: r3.Vector{X: -1, Y: -2, Z: -3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, payload := range [][]byte{[]byte(tt.payload), compress(t, []byte(tt.payload))} {
				msg, err := DecodePoseMessage(payload, tt.layout, CameraToWorld)
				require.NoError(t, err)
				assert.Equal(t, tt.wantHasTS, msg.HasTimestamp)
				assert.Equal(t, tt.wantTS, msg.Timestamp)
				assert.Equal(t, tt.wantTrans, msg.Pose.Translation)
				assert.Equal(t, CameraToWorld, msg.Pose.Convention)
			}
		})
	}
}

func TestDecodePoseMessageErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		layout  Layout
		wantErr error
	}{
		{"empty", []byte("  \n"), LayoutQuat7, ErrMalformedFormat},
		{"wrong count", []byte("1 2 3"), LayoutQuat7, ErrMalformedFormat},
		{"not a number", []byte("1 2 3 a 0 0 1"), LayoutQuat7, ErrMalformedFormat},
		{"bad json array", []byte("[1, 2,"), LayoutQuat7, ErrMalformedFormat},
		{"object without pose", []byte(`{"timestamp": 1}`), LayoutQuat7, ErrMalformedFormat},
		{"short matrix", []byte(`{"matrix": [1, 0, 0]}`), LayoutQuat7, ErrMalformedFormat},
		{"non-unit quaternion", []byte("0 0 0 0 0 0 3"), LayoutQuat7, ErrInvalidInput},
		{"broken zlib", []byte{0x78, 0x9c, 0xff, 0xff}, LayoutQuat7, ErrMalformedFormat},
		{"nan timestamp", []byte("nan 0 0 0 0 0 0 1"), LayoutTUM8, ErrMalformedFormat},
		{"inf translation", []byte("1.5 +Inf 0 0 0 0 0 1"), LayoutTUM8, ErrMalformedFormat},
		{"inf matrix entry", []byte("1 0 0 inf 0 1 0 0 0 0 1 0 0 0 0 1"), LayoutMatrix16, ErrMalformedFormat},
		{"nan quaternion", []byte("0 0 0 NaN 0 0 1"), LayoutQuat7, ErrMalformedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePoseMessage(tt.payload, tt.layout, CameraToWorld)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestIsZlib(t *testing.T) {
	assert.True(t, isZlib([]byte{0x78, 0x9c}))
	assert.True(t, isZlib([]byte{0x78, 0x01}))
	assert.True(t, isZlib([]byte{0x78, 0xda}))
	assert.False(t, isZlib([]byte("8 1 2 3")))
	assert.False(t, isZlib([]byte{0x78}))
	assert.False(t, isZlib([]byte("xy")))
}
