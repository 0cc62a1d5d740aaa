package acquire

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/heartlink/pkg/bus"
	"github.com/itohio/heartlink/pkg/sample"
)

type result struct {
	s   sample.Sample
	ok  bool
	err error
}

// scriptSensor replays scripted results, then yields increasing samples.
type scriptSensor struct {
	mu     sync.Mutex
	script []result
	calls  int
	next   uint32
}

func (f *scriptSensor) ReadSampleIfReady() (sample.Sample, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if len(f.script) > 0 {
		r := f.script[0]
		f.script = f.script[1:]
		return r.s, r.ok, r.err
	}
	f.next++
	return sample.Sample{Red: f.next, IR: f.next}, true, nil
}

func (f *scriptSensor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSession struct {
	starts atomic.Int32
	stops  atomic.Int32
	err    error
}

func (f *fakeSession) Start(ctx context.Context, deadline time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.starts.Add(1)
	return nil
}

func (f *fakeSession) Stop(ctx context.Context) error {
	f.stops.Add(1)
	return nil
}

var errBus = &bus.Error{Op: "read", Reg: 0x00, Err: errors.New("nack")}

func failures(n int) []result {
	r := make([]result, n)
	for i := range r {
		r[i] = result{err: errBus}
	}
	return r
}

func testConfig() Config {
	return Config{
		SampleInterval: time.Millisecond,
		RecoveryDelay:  time.Millisecond,
		ErrorThreshold: 5,
	}
}

func TestTask_PublishesSamplesInOrder(t *testing.T) {
	sensor := &scriptSensor{script: []result{{ok: false}, {ok: false}}}
	q := sample.NewQueue(100)
	task := New(sensor, nil, q, testConfig(), Hooks{})

	require.NoError(t, task.Start(context.Background()))
	require.Eventually(t, func() bool { return q.Len() >= 10 }, time.Second, time.Millisecond)
	task.Stop()

	for i := uint32(1); i <= 10; i++ {
		s, ok := q.Pop(context.Background(), 0)
		require.True(t, ok)
		assert.Equal(t, i, s.IR)
	}
	assert.Equal(t, uint64(2), task.Stats().Empty)
}

func TestTask_ErrorThresholdHalts(t *testing.T) {
	sensor := &scriptSensor{script: failures(5)}
	session := &fakeSession{}
	q := sample.NewQueue(10)

	fatal := make(chan error, 1)
	task := New(sensor, session, q, testConfig(), Hooks{
		OnFatal: func(err error) { fatal <- err },
	})

	require.NoError(t, task.Start(context.Background()))

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, ErrSensorFatal)
		var be *bus.Error
		assert.True(t, errors.As(err, &be))
	case <-time.After(time.Second):
		t.Fatal("task did not halt after reaching the error threshold")
	}

	assert.Eventually(t, func() bool { return !task.Running() }, time.Second, time.Millisecond)
	calls := sensor.Calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, sensor.Calls(), "halted task must not touch the sensor")
	assert.Equal(t, 5, calls)
	assert.Equal(t, 0, q.Len())

	stats := task.Stats()
	assert.Equal(t, uint64(5), stats.Errors)
	assert.Equal(t, uint64(1), stats.Fatal)
	assert.Equal(t, int32(1), session.stops.Load(), "fatal halt stops the session")

	task.Stop()
}

func TestTask_ErrorsBelowThresholdRecover(t *testing.T) {
	script := append(failures(4), result{s: sample.Sample{IR: 999}, ok: true})
	script = append(script, failures(4)...)
	sensor := &scriptSensor{script: script}
	q := sample.NewQueue(100)

	var fatal atomic.Bool
	task := New(sensor, nil, q, testConfig(), Hooks{
		OnFatal: func(error) { fatal.Store(true) },
	})

	require.NoError(t, task.Start(context.Background()))
	require.Eventually(t, func() bool { return q.Len() >= 5 }, time.Second, time.Millisecond)
	task.Stop()

	assert.False(t, fatal.Load())
	s, ok := q.Pop(context.Background(), 0)
	require.True(t, ok)
	assert.Equal(t, uint32(999), s.IR)
	assert.Equal(t, uint64(8), task.Stats().Errors)
}

func TestTask_Backpressure(t *testing.T) {
	sensor := &scriptSensor{}
	q := sample.NewQueue(3)

	var drops atomic.Int32
	task := New(sensor, nil, q, testConfig(), Hooks{
		OnDrop: func(sample.Sample) { drops.Add(1) },
	})

	require.NoError(t, task.Start(context.Background()))
	require.Eventually(t, func() bool { return drops.Load() >= 5 }, time.Second, time.Millisecond)
	assert.True(t, task.Running(), "a full queue does not stop acquisition")
	task.Stop()

	assert.Equal(t, 3, q.Len())
	for i := uint32(1); i <= 3; i++ {
		s, ok := q.Pop(context.Background(), 0)
		require.True(t, ok)
		assert.Equal(t, i, s.IR, "oldest samples are retained")
	}

	stats := task.Stats()
	assert.Equal(t, uint64(3), stats.Samples)
	assert.Equal(t, uint64(drops.Load()), stats.Dropped)
}

func TestTask_StopQuiescesSensor(t *testing.T) {
	sensor := &scriptSensor{}
	session := &fakeSession{}
	task := New(sensor, session, sample.NewQueue(1000), testConfig(), Hooks{})

	require.NoError(t, task.Start(context.Background()))
	require.Eventually(t, func() bool { return sensor.Calls() > 3 }, time.Second, time.Millisecond)
	task.Stop()

	assert.False(t, task.Running())
	calls := sensor.Calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, sensor.Calls())
	assert.Equal(t, int32(1), session.starts.Load())
	assert.Equal(t, int32(1), session.stops.Load())

	task.Stop()
	assert.Equal(t, int32(1), session.stops.Load(), "second stop is a no-op")
}

func TestTask_StartWhileRunning(t *testing.T) {
	task := New(&scriptSensor{}, nil, sample.NewQueue(10), testConfig(), Hooks{})

	require.NoError(t, task.Start(context.Background()))
	defer task.Stop()

	assert.ErrorIs(t, task.Start(context.Background()), ErrAlreadyRunning)
}

func TestTask_RestartAfterFatal(t *testing.T) {
	sensor := &scriptSensor{script: failures(5)}
	q := sample.NewQueue(100)

	fatal := make(chan struct{}, 1)
	task := New(sensor, nil, q, testConfig(), Hooks{
		OnFatal: func(error) { fatal <- struct{}{} },
	})

	require.NoError(t, task.Start(context.Background()))
	<-fatal
	require.Eventually(t, func() bool { return !task.Running() }, time.Second, time.Millisecond)

	require.NoError(t, task.Start(context.Background()))
	require.Eventually(t, func() bool { return q.Len() > 0 }, time.Second, time.Millisecond)
	task.Stop()
}

func TestTask_SessionStartFails(t *testing.T) {
	session := &fakeSession{err: errors.New("no sensor")}
	task := New(&scriptSensor{}, session, sample.NewQueue(10), testConfig(), Hooks{})

	err := task.Start(context.Background())
	require.Error(t, err)
	assert.False(t, task.Running())
	task.Stop()
}

func TestTask_ContextCancelStopsLoop(t *testing.T) {
	sensor := &scriptSensor{}
	task := New(sensor, nil, sample.NewQueue(1000), testConfig(), Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, task.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return !task.Running() }, time.Second, time.Millisecond)
	task.Stop()
}

func TestTask_Jitter(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter = 5 * time.Millisecond
	task := New(&scriptSensor{}, nil, sample.NewQueue(1), cfg, Hooks{})

	for i := 0; i < 100; i++ {
		d := task.interval()
		assert.GreaterOrEqual(t, d, cfg.SampleInterval)
		assert.Less(t, d, cfg.SampleInterval+cfg.Jitter)
	}
}

func TestNew_Defaults(t *testing.T) {
	task := New(&scriptSensor{}, nil, sample.NewQueue(1), Config{}, Hooks{})
	assert.Equal(t, 10*time.Millisecond, task.cfg.SampleInterval)
	assert.Equal(t, 50*time.Millisecond, task.cfg.RecoveryDelay)
	assert.Equal(t, 5, task.cfg.ErrorThreshold)
}
