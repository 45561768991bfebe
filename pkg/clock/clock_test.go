package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAfterFiresOnlyOnceDeadlineReached(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ch := f.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	f.Advance(3 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	f.Advance(2 * time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, f.Now(), got)
	default:
		t.Fatal("did not fire at deadline")
	}
}

func TestFakeAfterWithZeroOrNegativeDurationFiresImmediately(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ch := f.After(0)
	select {
	case <-ch:
	default:
		t.Fatal("expected immediate fire")
	}
}

// Like time.Ticker, the fake ticker buffers one tick and drops the rest
// when its reader falls behind.
func TestFakeTickerBuffersOneTickAcrossElapsedIntervals(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ticker := f.NewTicker(time.Second)
	defer ticker.Stop()

	f.Advance(3500 * time.Millisecond)

	count := 0
	for {
		select {
		case <-ticker.C():
			count++
		default:
			require.Equal(t, 1, count)
			return
		}
	}
}

func TestFakeTickerStopPreventsFurtherTicks(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ticker := f.NewTicker(time.Second)
	ticker.Stop()

	f.Advance(5 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker should not fire")
	default:
	}
}

func TestSetPinsClockToAbsoluteTime(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	target := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	f.Set(target)
	assert.Equal(t, target, f.Now())
}
