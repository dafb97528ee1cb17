package reassemble

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mixrelay/node/internal/segment"
)

func genFrameSegments(t *testing.T, id segment.FrameId, size, mtu int) []segment.Segment {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(id))).Read(data)
	segs, err := segment.Segments(data, mtu, id, true)
	require.NoError(t, err)
	return segs
}

func collect(t *testing.T, r *Reassembler, n int, timeout time.Duration) []Result {
	t.Helper()
	var got []Result
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case res, ok := <-r.Out():
			if !ok {
				return got
			}
			got = append(got, res)
		case <-deadline:
			t.Fatalf("timed out waiting for %d results, got %d", n, len(got))
		}
	}
	return got
}

func TestReassemblerShuffledPreservation(t *testing.T) {
	const numFrames = 10
	rng := rand.New(rand.NewSource(0xd8a4))

	var all []segment.Segment
	want := make(map[segment.FrameId][]byte)
	for i := 1; i <= numFrames; i++ {
		segs := genFrameSegments(t, segment.FrameId(i), 100, 22)
		all = append(all, segs...)
		var buf []byte
		for _, s := range segs {
			buf = append(buf, s.Data...)
		}
		want[segment.FrameId(i)] = buf
	}
	rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })

	r := New(Config{MaxAge: time.Hour, Capacity: 64}, nil)
	ch := make(chan segment.Segment)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, ch)
	go func() {
		for _, s := range all {
			ch <- s
		}
		close(ch)
	}()

	results := collect(t, r, numFrames, 2*time.Second)
	require.Len(t, results, numFrames)
	seen := make(map[segment.FrameId]bool)
	for _, res := range results {
		require.False(t, res.Discarded)
		require.Equal(t, want[res.Frame.FrameId], res.Frame.Data)
		seen[res.Frame.FrameId] = true
	}
	require.Len(t, seen, numFrames)
}

func TestReassemblerExpiresStaleFrame(t *testing.T) {
	maxAge := 45 * time.Millisecond
	r := New(Config{MaxAge: maxAge, Capacity: 64}, nil)
	ch := make(chan segment.Segment)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, ch)

	go func() {
		// Frame 2 is missing its second segment entirely.
		segsOK := genFrameSegments(t, 1, 10, 20)
		for _, s := range segsOK {
			ch <- s
		}
		partial, _ := segment.Segments(make([]byte, 40), 20, 2, true)
		ch <- partial[0] // only the first of two segments

		time.Sleep(55 * time.Millisecond)
		more := genFrameSegments(t, 3, 10, 20)
		for _, s := range more {
			ch <- s
		}
	}()

	results := collect(t, r, 3, 2*time.Second)
	var discarded int
	var ok int
	for _, res := range results {
		if res.Discarded {
			discarded++
			require.Equal(t, segment.FrameId(2), res.FrameID)
		} else {
			ok++
		}
	}
	require.Equal(t, 1, discarded)
	require.Equal(t, 2, ok)
}

func TestReassemblerEndOfStreamDrains(t *testing.T) {
	r := New(Config{MaxAge: time.Hour, Capacity: 64}, nil)
	ch := make(chan segment.Segment)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, ch)

	partial, _ := segment.Segments(make([]byte, 40), 20, 5, true)
	ch <- partial[0]
	close(ch)

	results := collect(t, r, 1, 2*time.Second)
	require.Len(t, results, 1)
	require.True(t, results[0].Discarded)
	require.Equal(t, segment.FrameId(5), results[0].FrameID)

	_, stillOpen := <-r.Out()
	require.False(t, stillOpen)
}

func TestReassemblerCapacityBackpressure(t *testing.T) {
	r := New(Config{MaxAge: 60 * time.Millisecond, Capacity: 3}, nil)
	ch := make(chan segment.Segment)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, ch)

	send := func(s segment.Segment) {
		select {
		case ch <- s:
		case <-time.After(2 * time.Second):
			t.Fatal("send blocked too long")
		}
	}

	partial := func(id segment.FrameId) segment.Segment {
		segs, _ := segment.Segments(make([]byte, 40), 20, id, true)
		return segs[0]
	}
	send(partial(1))
	send(partial(2))
	send(partial(3))

	for _, id := range []segment.FrameId{4, 5} {
		for _, s := range genFrameSegments(t, id, 10, 20) {
			send(s)
		}
	}

	results := collect(t, r, 5, 2*time.Second)
	discardedIDs := map[segment.FrameId]bool{}
	okIDs := map[segment.FrameId]bool{}
	for _, res := range results {
		if res.Discarded {
			discardedIDs[res.FrameID] = true
		} else {
			okIDs[res.Frame.FrameId] = true
		}
	}
	require.True(t, okIDs[4])
	require.True(t, okIDs[5])
	require.True(t, discardedIDs[1] || discardedIDs[2] || discardedIDs[3])
}
