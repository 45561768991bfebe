package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nimbus/pkg/clock"
	"nimbus/pkg/model"
)

type fakeTransport struct {
	dispatchErrs []error
	calls        int
	delay        time.Duration
}

func (f *fakeTransport) Dispatch(ctx context.Context, node *model.Node, task *model.Task) error {
	i := f.calls
	f.calls++
	if i < len(f.dispatchErrs) {
		return f.dispatchErrs[i]
	}
	return nil
}

func (f *fakeTransport) Cancel(ctx context.Context, node *model.Node, taskID string) error {
	return nil
}

func node(id string) *model.Node { return &model.Node{ID: id, Endpoint: "http://" + id} }
func task(id string) *model.Task { return &model.Task{ID: id} }

func TestDispatchSucceedsFirstTry(t *testing.T) {
	ft := &fakeTransport{}
	d := New(ft, clock.NewFake(time.Unix(0, 0)), nil, Config{Timeout: time.Second, Retries: 2, BackoffBase: time.Millisecond})
	class, err := d.Dispatch(context.Background(), node("n1"), task("t1"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeClass(""), class)
	assert.Equal(t, 1, ft.calls)
}

func TestDispatchRetriesTransientThenSucceeds(t *testing.T) {
	ft := &fakeTransport{dispatchErrs: []error{ErrNodeUnavailable}}
	fc := clock.NewFake(time.Unix(0, 0))
	d := New(ft, fc, nil, Config{Timeout: time.Second, Retries: 2, BackoffBase: time.Millisecond})

	done := make(chan struct{})
	var class model.OutcomeClass
	var err error
	go func() {
		class, err = d.Dispatch(context.Background(), node("n1"), task("t1"))
		close(done)
	}()

	for i := 0; i < 10 && ft.calls < 2; i++ {
		fc.Advance(time.Millisecond)
	}
	<-done

	require.NoError(t, err)
	assert.Equal(t, model.OutcomeClass(""), class)
	assert.Equal(t, 2, ft.calls)
}

func TestDispatchNodeRejectedNeverRetries(t *testing.T) {
	ft := &fakeTransport{dispatchErrs: []error{ErrNodeRejected, ErrNodeRejected, ErrNodeRejected}}
	d := New(ft, clock.NewFake(time.Unix(0, 0)), nil, Config{Timeout: time.Second, Retries: 2, BackoffBase: time.Millisecond})
	class, err := d.Dispatch(context.Background(), node("n1"), task("t1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNodeRejected))
	assert.Equal(t, model.ErrNodeRejected, class)
	assert.Equal(t, 1, ft.calls)
}

func TestDispatchExhaustsRetriesOnPersistentFailure(t *testing.T) {
	ft := &fakeTransport{dispatchErrs: []error{ErrNodeUnavailable, ErrNodeUnavailable, ErrNodeUnavailable}}
	fc := clock.NewFake(time.Unix(0, 0))
	d := New(ft, fc, nil, Config{Timeout: time.Second, Retries: 2, BackoffBase: time.Millisecond})

	done := make(chan struct{})
	var class model.OutcomeClass
	var err error
	go func() {
		class, err = d.Dispatch(context.Background(), node("n1"), task("t1"))
		close(done)
	}()

	for i := 0; i < 20; i++ {
		select {
		case <-done:
			i = 20
		default:
			fc.Advance(time.Millisecond)
		}
	}
	<-done

	require.Error(t, err)
	assert.Equal(t, model.ErrNodeUnavailable, class)
	assert.Equal(t, 3, ft.calls)
}

func TestEWMARTTTracksSuccessfulDispatches(t *testing.T) {
	ft := &fakeTransport{}
	d := New(ft, clock.NewFake(time.Unix(0, 0)), nil, Config{Timeout: time.Second, Retries: 0, BackoffBase: time.Millisecond})
	_, err := d.Dispatch(context.Background(), node("n1"), task("t1"))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), d.EWMARTT("n1")) // fake clock never advances during the call
	assert.Equal(t, time.Duration(0), d.EWMARTT("unknown"))
}

func TestForgetNodeClearsState(t *testing.T) {
	ft := &fakeTransport{}
	d := New(ft, clock.NewFake(time.Unix(0, 0)), nil, Config{Timeout: time.Second, PerNodeRateLimit: 5, PerNodeBurst: 1})
	_, _ = d.Dispatch(context.Background(), node("n1"), task("t1"))
	d.ForgetNode("n1")
	d.mu.Lock()
	_, rttOK := d.rtt["n1"]
	_, limOK := d.limiters["n1"]
	d.mu.Unlock()
	assert.False(t, rttOK)
	assert.False(t, limOK)
}
