package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackerResponse struct {
	Interval int    `bencode:"interval"`
	Peers    []byte `bencode:"peers"`
	Complete int    `bencode:"complete"`
}

func TestMarshalStruct(t *testing.T) {
	v := trackerResponse{Interval: 1800, Peers: []byte{1, 2, 3, 4, 5, 6}, Complete: 3}
	data, err := Marshal(v)
	require.NoError(t, err)

	var got trackerResponse
	require.NoError(t, Unmarshal(data, &got))
	assert.Equal(t, v, got)
}

func TestMarshalUnmarshalMap(t *testing.T) {
	m := map[string]string{"a": "1", "b": "2"}
	data, err := Marshal(m)
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, Unmarshal(data, &got))
	assert.Equal(t, m, got)
}

func TestSkippedField(t *testing.T) {
	type s struct {
		A string `bencode:"a"`
		B string `bencode:"-"`
	}
	data, err := Marshal(s{A: "x", B: "y"})
	require.NoError(t, err)
	assert.Equal(t, "d1:a1:xe", string(data))
}
