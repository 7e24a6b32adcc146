package stpwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Segment{
		{Type: SYN, Seqno: 12345},
		{Type: ACK, Seqno: 0},
		{Type: FIN, Seqno: 65535},
		{Type: RESET, Seqno: 0},
		{Type: DATA, Seqno: 42, Payload: []byte("hello world")},
	}
	for _, c := range cases {
		raw := c.Encode()
		got, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, c.Type, got.Type)
		assert.Equal(t, c.Seqno, got.Seqno)
		assert.Equal(t, c.Payload, got.Payload)
	}
}

func TestDecodeShortDatagramIsError(t *testing.T) {
	_, err := Decode([]byte{0, 1, 2})
	assert.Error(t, err)
}

func TestMaxDatagramFitsMSSPlusHeader(t *testing.T) {
	assert.Equal(t, 1004, MaxDatagram)
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "DATA", DATA.String())
	assert.Equal(t, "RESET", RESET.String())
}
