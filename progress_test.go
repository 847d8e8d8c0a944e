package relay

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressReader_Steps(t *testing.T) {
	var got []float64
	r := newProgressReader(iotest.OneByteReader(bytes.NewReader(make([]byte, 100))), func(p Progress) {
		got = append(got, p.Percent())
	}, "file.bin", 100, 10, 0)

	n, err := io.Copy(io.Discard, r)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)

	assert.Equal(t, []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, got)
}

func TestProgressReader_Interval(t *testing.T) {
	now := time.Unix(0, 0)
	var got []int64

	r := newProgressReader(iotest.OneByteReader(bytes.NewReader(make([]byte, 100))), func(p Progress) {
		got = append(got, p.Downloaded)
	}, "file.bin", 100, 10, time.Second)
	r.now = func() time.Time {
		// Every byte takes 100ms
		now = now.Add(100 * time.Millisecond)
		return now
	}

	_, err := io.Copy(io.Discard, r)
	require.NoError(t, err)

	require.NotEmpty(t, got)
	assert.Equal(t, int64(10), got[0])
	assert.Less(t, len(got), 10)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}
}

func TestProgressReader_UnknownTotal(t *testing.T) {
	var got []Progress
	r := newProgressReader(bytes.NewReader(make([]byte, 10_000)), func(p Progress) {
		got = append(got, p)
	}, "stream", 0, 5, 0)
	r.unknownStep = 1000

	buf := make([]byte, 500)
	for {
		_, err := r.Read(buf)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}

	require.Len(t, got, 10)
	assert.Equal(t, int64(-1), got[0].Total)
	assert.Equal(t, float64(-1), got[0].Percent())
	assert.Equal(t, int64(1000), got[0].Downloaded)
	assert.Equal(t, int64(10_000), got[9].Downloaded)
}

func TestProgressReader_NilSink(t *testing.T) {
	r := newProgressReader(bytes.NewReader(make([]byte, 10)), nil, "x", 10, 5, 0)
	n, err := io.Copy(io.Discard, r)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "[░░░░░░░░░░]", ProgressBar(0, 10))
	assert.Equal(t, "[█████░░░░░]", ProgressBar(50, 10))
	assert.Equal(t, "[██████████]", ProgressBar(100, 10))
	assert.Equal(t, "[██████████]", ProgressBar(250, 10))
	assert.Equal(t, "[░░░░░░░░░░]", ProgressBar(-3, 10))
	assert.Len(t, []rune(ProgressBar(33, 0)), 22)
}
