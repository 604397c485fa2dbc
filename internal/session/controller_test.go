package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carbono-zero/co2-live/internal/airquality"
	"github.com/carbono-zero/co2-live/internal/tax"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

var t0 = time.Date(2025, 4, 7, 8, 0, 0, 0, time.UTC)

type fakeSubscriber struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	failWith     error
}

func (f *fakeSubscriber) Subscribe(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, id)
	return f.failWith
}

func (f *fakeSubscriber) Unsubscribe(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, id)
	return nil
}

type recorder struct {
	mu    sync.Mutex
	snaps []*Snapshot
}

func (r *recorder) Publish(s *Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func newTestController(t *testing.T) (*Controller, *fakeSubscriber, *recorder, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	sub := &fakeSubscriber{}
	rec := &recorder{}
	now := t0.Add(time.Hour)
	c := NewController(Options{Now: func() time.Time { return now }}, sub, rec, logger, nil)
	return c, sub, rec, hook
}

func startRequest(t *testing.T, id string, capacity int) StartRequest {
	t.Helper()
	th, err := airquality.NewThresholds(800, 1200)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := tax.NewConfig(11)
	if err != nil {
		t.Fatal(err)
	}
	return StartRequest{SessionID: id, Capacity: capacity, Thresholds: th, Tax: cfg}
}

func reading(offset time.Duration, co2 float64) airquality.Sample {
	return airquality.Sample{Timestamp: t0.Add(offset), CO2: co2, Temperature: 22.5, Humidity: 48}
}

func TestStartOpensSubscriptionAndConnects(t *testing.T) {
	c, sub, _, _ := newTestController(t)
	snap, err := c.Start(context.Background(), startRequest(t, "room-1", 20))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap.Lifecycle != Live || snap.Connectivity != Connecting {
		t.Fatalf("got %s/%s, want LIVE/CONNECTING", snap.Lifecycle, snap.Connectivity)
	}
	if snap.Occupancy != airquality.Regular {
		t.Fatalf("occupancy %s for 20 of %d seats", snap.Occupancy, airquality.ReferenceOccupancy)
	}
	if len(sub.subscribed) != 1 || sub.subscribed[0] != "room-1" {
		t.Fatalf("subscriptions: %v", sub.subscribed)
	}
	if !snap.AccumulatedTax.IsZero() || len(snap.RollingWindow) != 0 {
		t.Fatal("new session is not empty")
	}

	if err := c.OnOpen("room-1"); err != nil {
		t.Fatalf("OnOpen: %v", err)
	}
	got, _ := c.Snapshot("room-1")
	if got.Connectivity != Connected {
		t.Fatalf("connectivity %s, want LIVE", got.Connectivity)
	}
}

func TestStartRejectsInvalidInput(t *testing.T) {
	c, sub, _, _ := newTestController(t)

	bad := startRequest(t, "room-1", 10)
	bad.Thresholds = airquality.Thresholds{Good: 1000, Regular: 900}
	if _, err := c.Start(context.Background(), bad); !errors.Is(err, airquality.ErrInvalidThresholds) {
		t.Fatalf("expected ErrInvalidThresholds, got %v", err)
	}
	if _, ok := c.Snapshot("room-1"); ok {
		t.Fatal("rejected session is present")
	}

	if _, err := c.Start(context.Background(), startRequest(t, "room-2", 0)); !errors.Is(err, ErrInvalidCapacity) {
		t.Fatalf("expected ErrInvalidCapacity, got %v", err)
	}
	noRate := startRequest(t, "room-3", 10)
	noRate.Tax = tax.Config{}
	if _, err := c.Start(context.Background(), noRate); !errors.Is(err, tax.ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}
	if _, err := c.Start(context.Background(), startRequest(t, " ", 10)); !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("expected ErrInvalidSessionID, got %v", err)
	}
	if len(sub.subscribed) != 0 {
		t.Fatalf("rejected sessions subscribed: %v", sub.subscribed)
	}
	if len(c.Snapshots()) != 0 {
		t.Fatal("rejected sessions were stored")
	}
}

func TestStartTwiceWhileRunning(t *testing.T) {
	c, _, _, _ := newTestController(t)
	ctx := context.Background()
	if _, err := c.Start(ctx, startRequest(t, "room-1", 5)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Start(ctx, startRequest(t, "room-1", 5)); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	if err := c.Stop(ctx, "room-1"); err != nil {
		t.Fatal(err)
	}
	snap, err := c.Start(ctx, startRequest(t, "room-1", 7))
	if err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	if snap.Capacity != 7 || snap.Lifecycle != Live {
		t.Fatalf("restart produced %+v", snap)
	}
}

func TestSamplesClassifiedAndAccrued(t *testing.T) {
	c, _, rec, _ := newTestController(t)
	if _, err := c.Start(context.Background(), startRequest(t, "room-1", 20)); err != nil {
		t.Fatal(err)
	}
	_ = c.OnOpen("room-1")

	steps := []struct {
		co2  float64
		want airquality.Status
	}{
		{420, airquality.Good},
		{620, airquality.Good},
		{900, airquality.Regular},
		{1300, airquality.Bad},
		{500, airquality.Good},
	}
	for i, s := range steps {
		if err := c.OnSample("room-1", reading(time.Duration(i)*5*time.Second, s.co2)); err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
		snap, _ := c.Snapshot("room-1")
		if *snap.LatestStatus != s.want {
			t.Fatalf("sample %d: status %s, want %s", i, snap.LatestStatus, s.want)
		}
		if snap.LatestSample.CO2 != s.co2 {
			t.Fatalf("sample %d: latest co2 %v", i, snap.LatestSample.CO2)
		}
	}

	snap, _ := c.Snapshot("room-1")
	want := decimal.Zero
	for i := 1; i < len(steps); i++ {
		want = want.Add(tax.Increment(steps[i].co2, 20, decimal.NewFromInt(11), 5*time.Second))
	}
	if !snap.AccumulatedTax.Equal(want) {
		t.Fatalf("accumulated %s, want %s", snap.AccumulatedTax, want)
	}
	per := want.DivRound(decimal.NewFromInt(20), tax.Precision)
	if !snap.TaxPerOccupant.Equal(per) {
		t.Fatalf("per occupant %s, want %s", snap.TaxPerOccupant, per)
	}
	if snap.SampleCount != len(steps) || len(snap.RollingWindow) != len(steps) {
		t.Fatalf("count %d window %d", snap.SampleCount, len(snap.RollingWindow))
	}
	// start + open + one per sample
	if rec.count() != 2+len(steps) {
		t.Fatalf("published %d snapshots", rec.count())
	}
}

func TestFirstSampleDoesNotAccrue(t *testing.T) {
	c, _, _, _ := newTestController(t)
	if _, err := c.Start(context.Background(), startRequest(t, "room-1", 30)); err != nil {
		t.Fatal(err)
	}
	if err := c.OnSample("room-1", reading(0, 2500)); err != nil {
		t.Fatal(err)
	}
	snap, _ := c.Snapshot("room-1")
	if !snap.AccumulatedTax.IsZero() {
		t.Fatalf("first sample accrued %s", snap.AccumulatedTax)
	}
	if snap.Connectivity != Connected {
		t.Fatalf("connectivity %s after first sample", snap.Connectivity)
	}
}

func TestWindowKeepsLastThirty(t *testing.T) {
	c, _, _, _ := newTestController(t)
	if _, err := c.Start(context.Background(), startRequest(t, "room-1", 1)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 31; i++ {
		if err := c.OnSample("room-1", reading(time.Duration(i)*5*time.Second, float64(500+i))); err != nil {
			t.Fatal(err)
		}
	}
	snap, _ := c.Snapshot("room-1")
	if len(snap.RollingWindow) != 30 {
		t.Fatalf("window length %d", len(snap.RollingWindow))
	}
	if snap.RollingWindow[0].Sample.CO2 != 501 || snap.RollingWindow[29].Sample.CO2 != 530 {
		t.Fatalf("window bounds %v..%v", snap.RollingWindow[0].Sample.CO2, snap.RollingWindow[29].Sample.CO2)
	}
}

func TestDisconnectFreezesUntilReopen(t *testing.T) {
	c, _, _, _ := newTestController(t)
	if _, err := c.Start(context.Background(), startRequest(t, "room-1", 20)); err != nil {
		t.Fatal(err)
	}
	_ = c.OnOpen("room-1")
	_ = c.OnSample("room-1", reading(0, 1000))
	_ = c.OnSample("room-1", reading(5*time.Second, 1000))
	before, _ := c.Snapshot("room-1")

	if err := c.OnClose("room-1"); err != nil {
		t.Fatal(err)
	}
	for i := 2; i < 6; i++ {
		if err := c.OnSample("room-1", reading(time.Duration(i)*5*time.Second, 3000)); !errors.Is(err, ErrNotAccepting) {
			t.Fatalf("sample during gap: expected ErrNotAccepting, got %v", err)
		}
		snap, _ := c.Snapshot("room-1")
		if snap.Connectivity != Disconnected {
			t.Fatalf("connectivity %s during gap", snap.Connectivity)
		}
		if !snap.AccumulatedTax.Equal(before.AccumulatedTax) || snap.SampleCount != before.SampleCount {
			t.Fatal("session mutated while disconnected")
		}
	}

	if err := c.OnOpen("room-1"); err != nil {
		t.Fatal(err)
	}
	// The first sample after the outage is credited at most MaxGap.
	if err := c.OnSample("room-1", reading(10*time.Minute, 1000)); err != nil {
		t.Fatalf("sample after reopen: %v", err)
	}
	after, _ := c.Snapshot("room-1")
	if after.Connectivity != Connected || after.SampleCount != before.SampleCount+1 {
		t.Fatalf("after reopen: %s count=%d", after.Connectivity, after.SampleCount)
	}
	gap := after.AccumulatedTax.Sub(before.AccumulatedTax)
	want := tax.Increment(1000, 20, decimal.NewFromInt(11), DefaultMaxGap)
	if !gap.Equal(want) {
		t.Fatalf("increment after gap %s, want clamped %s", gap, want)
	}
	for _, p := range after.RollingWindow {
		if p.Sample.CO2 == 3000 {
			t.Fatal("sample from disconnect gap reached the window")
		}
	}
}

func TestOutOfOrderSampleDoesNotAccrue(t *testing.T) {
	c, _, _, _ := newTestController(t)
	if _, err := c.Start(context.Background(), startRequest(t, "room-1", 10)); err != nil {
		t.Fatal(err)
	}
	_ = c.OnSample("room-1", reading(10*time.Second, 900))
	_ = c.OnSample("room-1", reading(5*time.Second, 900))
	snap, _ := c.Snapshot("room-1")
	if !snap.AccumulatedTax.IsZero() {
		t.Fatalf("out-of-order sample accrued %s", snap.AccumulatedTax)
	}
	// The next sample measures from the previous accepted one.
	_ = c.OnSample("room-1", reading(15*time.Second, 900))
	snap, _ = c.Snapshot("room-1")
	want := tax.Increment(900, 10, decimal.NewFromInt(11), 10*time.Second)
	if !snap.AccumulatedTax.Equal(want) {
		t.Fatalf("accumulated %s, want %s", snap.AccumulatedTax, want)
	}
}

func TestMalformedSampleIsDiscarded(t *testing.T) {
	c, _, _, hook := newTestController(t)
	if _, err := c.Start(context.Background(), startRequest(t, "room-1", 10)); err != nil {
		t.Fatal(err)
	}
	hook.Reset()
	err := c.OnSample("room-1", airquality.Sample{Timestamp: t0, CO2: -4, Humidity: 50})
	if !errors.Is(err, airquality.ErrMalformedSample) {
		t.Fatalf("expected ErrMalformedSample, got %v", err)
	}
	snap, _ := c.Snapshot("room-1")
	if snap.SampleCount != 0 || snap.LatestSample != nil {
		t.Fatal("malformed sample mutated session")
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != logrus.WarnLevel {
		t.Fatalf("expected a warning, got %+v", entry)
	}
}

func TestStopIsIdempotentAndFreezesSnapshot(t *testing.T) {
	c, sub, _, _ := newTestController(t)
	ctx := context.Background()
	if _, err := c.Start(ctx, startRequest(t, "room-1", 20)); err != nil {
		t.Fatal(err)
	}
	_ = c.OnSample("room-1", reading(0, 900))
	_ = c.OnSample("room-1", reading(5*time.Second, 950))

	if err := c.Stop(ctx, "room-1"); err != nil {
		t.Fatal(err)
	}
	first, _ := c.Snapshot("room-1")
	if err := c.Stop(ctx, "room-1"); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	second, _ := c.Snapshot("room-1")
	if !reflect.DeepEqual(first, second) {
		t.Fatal("second stop changed the snapshot")
	}
	if first.Lifecycle != Stopped || first.StoppedAt == nil {
		t.Fatalf("lifecycle %s", first.Lifecycle)
	}
	if len(sub.unsubscribed) != 1 {
		t.Fatalf("unsubscribed %v", sub.unsubscribed)
	}

	if err := c.OnSample("room-1", reading(10*time.Second, 2000)); !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("expected ErrSessionTerminated, got %v", err)
	}
	if err := c.OnOpen("room-1"); !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("expected ErrSessionTerminated, got %v", err)
	}
	third, _ := c.Snapshot("room-1")
	if !reflect.DeepEqual(first, third) {
		t.Fatal("stopped session mutated")
	}
}

func TestUnknownSessionIsReportedNotFatal(t *testing.T) {
	c, _, _, hook := newTestController(t)
	if err := c.Stop(context.Background(), "ghost"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if err := c.OnSample("ghost", reading(0, 500)); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if len(hook.AllEntries()) < 2 {
		t.Fatal("unknown session events were not logged")
	}
}

func TestStopAll(t *testing.T) {
	c, _, _, _ := newTestController(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := c.Start(ctx, startRequest(t, id, 10)); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Stop(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if n := c.StopAll(ctx); n != 2 {
		t.Fatalf("StopAll stopped %d, want 2", n)
	}
	if n := c.StopAll(ctx); n != 0 {
		t.Fatalf("second StopAll stopped %d", n)
	}
	for _, s := range c.Snapshots() {
		if s.Lifecycle != Stopped {
			t.Fatalf("%s still %s", s.SessionID, s.Lifecycle)
		}
	}
	if len(c.Running()) != 0 {
		t.Fatalf("running: %v", c.Running())
	}
}

func TestDispose(t *testing.T) {
	c, _, _, _ := newTestController(t)
	ctx := context.Background()
	if _, err := c.Start(ctx, startRequest(t, "a", 10)); err != nil {
		t.Fatal(err)
	}
	if err := c.Dispose("a"); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("dispose running: %v", err)
	}
	_ = c.Stop(ctx, "a")
	if err := c.Dispose("a"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Snapshot("a"); ok {
		t.Fatal("disposed session still visible")
	}
}

func TestSubscribeFailureMarksDisconnected(t *testing.T) {
	c, sub, _, _ := newTestController(t)
	sub.failWith = errors.New("broker down")
	snap, err := c.Start(context.Background(), startRequest(t, "room-1", 10))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap.Connectivity != Disconnected {
		t.Fatalf("connectivity %s", snap.Connectivity)
	}
	if err := c.OnOpen("room-1"); err != nil {
		t.Fatal(err)
	}
}

func TestHandleDispatchesEvents(t *testing.T) {
	c, _, _, _ := newTestController(t)
	if _, err := c.Start(context.Background(), startRequest(t, "room-1", 10)); err != nil {
		t.Fatal(err)
	}
	events := make(chan Event, 4)
	events <- Event{Kind: EventOpen, SessionID: "room-1"}
	events <- Event{Kind: EventSample, SessionID: "room-1", Sample: reading(0, 700)}
	events <- Event{Kind: EventError, SessionID: "room-1", Err: errors.New("eof")}
	close(events)

	if err := c.Run(context.Background(), events); err != nil {
		t.Fatalf("Run: %v", err)
	}
	snap, _ := c.Snapshot("room-1")
	if snap.SampleCount != 1 || snap.Connectivity != Disconnected {
		t.Fatalf("count=%d connectivity=%s", snap.SampleCount, snap.Connectivity)
	}
}

func TestConcurrentSessionsAndStop(t *testing.T) {
	c, _, _, _ := newTestController(t)
	ctx := context.Background()
	const sessions = 8
	const perSession = 200

	for i := 0; i < sessions; i++ {
		if _, err := c.Start(ctx, startRequest(t, fmt.Sprintf("room-%d", i), 10)); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("room-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < perSession; j++ {
				_ = c.OnSample(id, reading(time.Duration(j)*time.Second, 1100))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < perSession; j++ {
				_, _ = c.Snapshot(id)
				_ = c.Snapshots()
			}
		}()
	}
	go func() { _ = c.Stop(ctx, "room-0") }()
	wg.Wait()

	for i := 1; i < sessions; i++ {
		snap, _ := c.Snapshot(fmt.Sprintf("room-%d", i))
		if snap.SampleCount != perSession {
			t.Fatalf("room-%d processed %d samples", i, snap.SampleCount)
		}
		if len(snap.RollingWindow) != 30 {
			t.Fatalf("room-%d window %d", i, len(snap.RollingWindow))
		}
	}
}

func TestFutureTimestampIsMalformed(t *testing.T) {
	c, _, _, _ := newTestController(t)
	if _, err := c.Start(context.Background(), startRequest(t, "room-1", 20)); err != nil {
		t.Fatal(err)
	}
	if err := c.OnSample("room-1", reading(0, 900)); err != nil {
		t.Fatal(err)
	}
	before, _ := c.Snapshot("room-1")

	err := c.OnSample("room-1", reading(48*time.Hour, 900))
	if !errors.Is(err, airquality.ErrMalformedSample) {
		t.Fatalf("expected ErrMalformedSample, got %v", err)
	}
	after, _ := c.Snapshot("room-1")
	if after.SampleCount != before.SampleCount || !after.AccumulatedTax.Equal(before.AccumulatedTax) {
		t.Fatal("rejected sample mutated the session")
	}

	for i := 1; i <= 100; i++ {
		if err := c.OnSample("room-1", reading(time.Duration(i)*5*time.Second, 1500)); err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
	}
	snap, _ := c.Snapshot("room-1")
	want := tax.Increment(1500, 20, decimal.NewFromInt(11), 5*time.Second).Mul(decimal.NewFromInt(100))
	if !snap.AccumulatedTax.Equal(want) {
		t.Fatalf("accumulated %s, want %s", snap.AccumulatedTax, want)
	}
}

func TestAccrualResumesAfterClockStepsBack(t *testing.T) {
	c, _, _, _ := newTestController(t)
	if _, err := c.Start(context.Background(), startRequest(t, "room-1", 20)); err != nil {
		t.Fatal(err)
	}
	rate := decimal.NewFromInt(11)
	offsets := []time.Duration{0, 50 * time.Minute, 5 * time.Second, 10 * time.Second, 15 * time.Second}
	for _, off := range offsets {
		if err := c.OnSample("room-1", reading(off, 1500)); err != nil {
			t.Fatalf("sample at %v: %v", off, err)
		}
	}
	// The jump forward is capped, the step back credits nothing, and the
	// samples after it accrue their own gaps.
	want := tax.Increment(1500, 20, rate, DefaultMaxGap).
		Add(tax.Increment(1500, 20, rate, 5*time.Second)).
		Add(tax.Increment(1500, 20, rate, 5*time.Second))
	snap, _ := c.Snapshot("room-1")
	if !snap.AccumulatedTax.Equal(want) {
		t.Fatalf("accumulated %s, want %s", snap.AccumulatedTax, want)
	}
}

type gatedPublisher struct {
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}

	mu    sync.Mutex
	order []string
}

func (g *gatedPublisher) Publish(s *Snapshot) {
	if s.SampleCount == 1 {
		g.once.Do(func() {
			close(g.entered)
			<-g.gate
		})
	}
	g.mu.Lock()
	g.order = append(g.order, s.Lifecycle.String())
	g.mu.Unlock()
}

func TestPublicationsFollowTransitionOrder(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	pub := &gatedPublisher{entered: make(chan struct{}), gate: make(chan struct{})}
	now := t0.Add(time.Hour)
	c := NewController(Options{Now: func() time.Time { return now }}, nil, pub, logger, nil)
	if _, err := c.Start(context.Background(), startRequest(t, "room-1", 20)); err != nil {
		t.Fatal(err)
	}

	sampled := make(chan error, 1)
	go func() { sampled <- c.OnSample("room-1", reading(0, 900)) }()
	<-pub.entered

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(context.Background(), "room-1") }()
	time.Sleep(20 * time.Millisecond)
	close(pub.gate)

	if err := <-sampled; err != nil {
		t.Fatalf("OnSample: %v", err)
	}
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	want := []string{"LIVE", "LIVE", "STOPPED"}
	if !reflect.DeepEqual(pub.order, want) {
		t.Fatalf("publication order %v, want %v", pub.order, want)
	}
}

func TestSweepDisposesExpiredSessions(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	now := t0
	c := NewController(Options{Now: func() time.Time { return now }}, nil, nil, logger, nil)
	for _, id := range []string{"room-1", "room-2", "room-3"} {
		if _, err := c.Start(context.Background(), startRequest(t, id, 10)); err != nil {
			t.Fatal(err)
		}
	}
	_ = c.Stop(context.Background(), "room-1")
	now = now.Add(30 * time.Minute)
	_ = c.Stop(context.Background(), "room-2")
	now = now.Add(30 * time.Minute)

	if got := c.Sweep(time.Hour); !reflect.DeepEqual(got, []string{"room-1"}) {
		t.Fatalf("first sweep disposed %v", got)
	}
	if _, ok := c.Snapshot("room-1"); ok {
		t.Fatal("room-1 still known after sweep")
	}
	if _, ok := c.Snapshot("room-2"); !ok {
		t.Fatal("room-2 disposed before its retention elapsed")
	}

	now = now.Add(time.Hour)
	if got := c.Sweep(time.Hour); !reflect.DeepEqual(got, []string{"room-2"}) {
		t.Fatalf("second sweep disposed %v", got)
	}
	if ids := c.Running(); !reflect.DeepEqual(ids, []string{"room-3"}) {
		t.Fatalf("running sessions %v", ids)
	}
	if n := len(c.Snapshots()); n != 1 {
		t.Fatalf("%d sessions left, want 1", n)
	}
}

func TestStartRejectsUnsafeSessionIDs(t *testing.T) {
	c, _, _, _ := newTestController(t)
	for _, id := range []string{"Aula 101", "room/1", "room+1", "room#1", strings.Repeat("x", 65)} {
		if _, err := c.Start(context.Background(), startRequest(t, id, 10)); !errors.Is(err, ErrInvalidSessionID) {
			t.Errorf("Start(%q): expected ErrInvalidSessionID, got %v", id, err)
		}
	}
	// Case is preserved, so ids differing only in case are distinct sessions.
	for _, id := range []string{"Room-1", "room-1"} {
		if _, err := c.Start(context.Background(), startRequest(t, id, 10)); err != nil {
			t.Fatalf("Start(%q): %v", id, err)
		}
	}
	if ids := c.Running(); !reflect.DeepEqual(ids, []string{"Room-1", "room-1"}) {
		t.Fatalf("running sessions %v", ids)
	}
}
