package segment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mixrelay/node/pkg/errs"
)

func reassembleAll(t *testing.T, segs []Segment) Frame {
	t.Helper()
	require.NotEmpty(t, segs)
	b := NewFrameBuilder(segs[0].FrameId)
	for _, s := range segs {
		require.NoError(t, b.Add(s))
	}
	f, err := b.TryIntoFrame()
	require.NoError(t, err)
	return f
}

func TestSegmentRoundTrip(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog, repeatedly, to pad this out")
	segs, err := Segments(data, 7, FrameId(3), true)
	require.NoError(t, err)
	require.LessOrEqual(t, len(segs), (len(data)+6)/7)

	f := reassembleAll(t, segs)
	require.Equal(t, FrameId(3), f.FrameId)
	require.Equal(t, data, f.Data)
	require.True(t, f.IsTerminating)
}

func TestSegmentsEmptyData(t *testing.T) {
	segs, err := Segments(nil, 10, FrameId(1), true)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	require.Empty(t, segs[0].Data)
	require.True(t, segs[0].Terminating)
}

func TestFrameBuilderIncomplete(t *testing.T) {
	segs, err := Segments([]byte("0123456789"), 3, FrameId(5), false)
	require.NoError(t, err)
	require.Greater(t, len(segs), 1)

	b := NewFrameBuilder(segs[0].FrameId)
	for _, s := range segs[:len(segs)-1] {
		require.NoError(t, b.Add(s))
	}
	_, err = b.TryIntoFrame()
	require.ErrorIs(t, err, errs.ErrIncompleteFrame)
}

func TestFrameBuilderRejectsFrameIDMismatch(t *testing.T) {
	b := NewFrameBuilder(FrameId(1))
	err := b.Add(Segment{FrameId: 2, SeqIdx: 0, SeqLen: 1})
	require.ErrorIs(t, err, errs.ErrInvalidSegment)
}

func TestFrameBuilderRejectsOutOfRangeSeqIdx(t *testing.T) {
	b := NewFrameBuilder(FrameId(1))
	err := b.Add(Segment{FrameId: 1, SeqIdx: 5, SeqLen: 2})
	require.ErrorIs(t, err, errs.ErrInvalidSegment)
}

func TestFrameBuilderRejectsSeqLenMismatch(t *testing.T) {
	b := NewFrameBuilder(FrameId(1))
	require.NoError(t, b.Add(Segment{FrameId: 1, SeqIdx: 0, SeqLen: 2, Data: []byte("a")}))
	err := b.Add(Segment{FrameId: 1, SeqIdx: 1, SeqLen: 3, Data: []byte("b")})
	require.ErrorIs(t, err, errs.ErrInvalidSegment)
}

// A duplicate segment for a frame one segment away from completion is
// dropped, not treated as completing the frame.
func TestFrameBuilderDropsDuplicateOneAwayFromComplete(t *testing.T) {
	b := NewFrameBuilder(FrameId(9))
	require.NoError(t, b.Add(Segment{FrameId: 9, SeqIdx: 0, SeqLen: 2, Data: []byte("a")}))
	require.Equal(t, 1, b.Missing())

	// Duplicate of slot 0 again: dropped, frame still missing slot 1.
	err := b.Add(Segment{FrameId: 9, SeqIdx: 0, SeqLen: 2, Data: []byte("a-dup")})
	require.True(t, errors.Is(err, errs.ErrInvalidSegment))
	require.Equal(t, 1, b.Missing())
	require.False(t, b.Complete())
}

func TestFrameBuilderRejectsAddAfterComplete(t *testing.T) {
	b := NewFrameBuilder(FrameId(4))
	require.NoError(t, b.Add(Segment{FrameId: 4, SeqIdx: 0, SeqLen: 1, Data: []byte("x")}))
	require.True(t, b.Complete())
	err := b.Add(Segment{FrameId: 4, SeqIdx: 0, SeqLen: 1, Data: []byte("y")})
	require.ErrorIs(t, err, errs.ErrInvalidSegment)
}

func TestSegmentsRejectsZeroMTU(t *testing.T) {
	_, err := Segments([]byte("x"), 0, FrameId(1), false)
	require.Error(t, err)
}
