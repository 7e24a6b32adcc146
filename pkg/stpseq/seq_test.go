package stpseq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddWraps(t *testing.T) {
	assert.Equal(t, Seq(5), Add(Seq(65533), 8))
	assert.Equal(t, Seq(0), Add(Seq(65535), 1))
}

func TestLessHandlesWrap(t *testing.T) {
	assert.True(t, Less(Seq(65530), Seq(5)))
	assert.False(t, Less(Seq(5), Seq(65530)))
	assert.False(t, Less(Seq(10), Seq(10)))
}

func TestInvertPositionBasic(t *testing.T) {
	dsn := Seq(100)
	// position 0 starts at seqno 100, position 1 at 1100, etc.
	pos, ok := InvertPosition(Add(dsn, 2*1000), dsn, 1000, 2500, DefaultWrapBound)
	assert.True(t, ok)
	assert.Equal(t, 2, pos)
}

func TestInvertPositionLastShortSegment(t *testing.T) {
	dsn := Seq(100)
	fileSize := 2500
	// The ACK that completes the transfer carries dsn+fileSize.
	pos, ok := InvertPosition(Add(dsn, fileSize), dsn, 1000, fileSize, DefaultWrapBound)
	assert.True(t, ok)
	assert.Equal(t, 3, pos) // ceil(2500/1000) == 3
}

func TestInvertPositionWrapsAround(t *testing.T) {
	dsn := Seq(65000)
	// position 1 would be at seqno 66000 mod 65536 == 464
	pos, ok := InvertPosition(Add(dsn, 1000), dsn, 1000, 500000, DefaultWrapBound)
	assert.True(t, ok)
	assert.Equal(t, 1, pos)
}

func TestWrapBoundForGrowsWithFileSize(t *testing.T) {
	assert.Equal(t, DefaultWrapBound, WrapBoundFor(1000))
	assert.Greater(t, WrapBoundFor(50_000_000), DefaultWrapBound)
}
