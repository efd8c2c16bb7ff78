package vtimer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elena19m/armvmm/internal/vgic"
)

const (
	testIRQ  = 27
	testFreq = 1_000_000_000 // counter unit == 1ns, keeps durations legible
)

type fakeClock struct {
	now  atomic.Uint64
	freq uint64
}

func (c *fakeClock) Counter() uint64   { return c.now.Load() }
func (c *fakeClock) Frequency() uint64 { return c.freq }

type injection struct {
	vcpu  int
	irq   uint32
	class vgic.Class
}

// fakeInjector records interrupt traffic; injections are also delivered on a
// channel so tests can wait for callback-context delivery.
type fakeInjector struct {
	mu       sync.Mutex
	removals []uint32
	injectCh chan injection
}

func newFakeInjector() *fakeInjector {
	return &fakeInjector{injectCh: make(chan injection, 16)}
}

func (f *fakeInjector) Inject(vcpu int, irq uint32, class vgic.Class) error {
	f.injectCh <- injection{vcpu: vcpu, irq: irq, class: class}
	return nil
}

func (f *fakeInjector) Remove(vcpu int, irq uint32, ignoreActive bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removals = append(f.removals, irq)
	return 0, nil
}

func (f *fakeInjector) removalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removals)
}

func newTestTimer(cpus int) (*Timer, *fakeClock, *fakeInjector) {
	clock := &fakeClock{freq: testFreq}
	inj := newFakeInjector()
	tm := New(clock, inj, cpus, nil)
	tm.Attach(testIRQ, testFreq)
	return tm, clock, inj
}

func waitInjection(t *testing.T, inj *fakeInjector) injection {
	t.Helper()
	select {
	case got := <-inj.injectCh:
		return got
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for timer injection")
		return injection{}
	}
}

func expectNoInjection(t *testing.T, inj *fakeInjector) {
	t.Helper()
	select {
	case got := <-inj.injectCh:
		t.Fatalf("unexpected injection %+v", got)
	default:
	}
}

func TestEnablePastDeadlineInjectsImmediately(t *testing.T) {
	tm, clock, inj := newTestTimer(1)
	defer tm.Detach()

	clock.now.Store(100)
	tm.WriteCVAL(0, 50)
	tm.WriteCTL(0, CTLEnable)

	got := waitInjection(t, inj)
	if got.vcpu != 0 || got.irq != testIRQ || got.class != vgic.ClassClock {
		t.Errorf("injection = %+v, want vcpu 0 irq %d class clock", got, testIRQ)
	}
	if tm.Armed(0) {
		t.Error("no callback should be armed after an immediate injection")
	}
}

func TestEnableFutureDeadlineFiresCallback(t *testing.T) {
	tm, _, inj := newTestTimer(1)
	defer tm.Detach()

	// 10ms out at 1GHz.
	tm.WriteCVAL(0, 10_000_000)
	tm.WriteCTL(0, CTLEnable)

	got := waitInjection(t, inj)
	if got.irq != testIRQ || got.class != vgic.ClassClock {
		t.Errorf("injection = %+v, want irq %d class clock", got, testIRQ)
	}
	expectNoInjection(t, inj)
}

func TestEnableFarFutureDeadlineStaysArmed(t *testing.T) {
	tm, clock, inj := newTestTimer(1)
	defer tm.Detach()

	// A guest parks the timer by programming the maximum compare value
	// while enabled. The deadline must stay armed, never fire early.
	clock.now.Store(1000)
	tm.WriteCVAL(0, ^uint64(0))
	tm.WriteCTL(0, CTLEnable)

	if !tm.Armed(0) {
		t.Error("far-future deadline did not arm a callback")
	}
	time.Sleep(50 * time.Millisecond)
	expectNoInjection(t, inj)
}

func TestMaskedEnableDoesNotArm(t *testing.T) {
	tm, _, inj := newTestTimer(1)
	defer tm.Detach()

	tm.WriteCTL(0, CTLEnable|CTLIMask)
	if tm.Armed(0) {
		t.Error("masked timer armed a callback")
	}
	expectNoInjection(t, inj)
}

func TestCVALRewriteReplacesDeadline(t *testing.T) {
	tm, _, inj := newTestTimer(1)
	defer tm.Detach()

	hour := uint64(time.Hour / time.Nanosecond)
	tm.WriteCVAL(0, hour)
	tm.WriteCTL(0, CTLEnable)
	if !tm.Armed(0) {
		t.Fatal("expected an armed callback for a future deadline")
	}

	tm.WriteCVAL(0, 2*hour)
	if !tm.Armed(0) {
		t.Error("expected the callback re-armed against the new deadline")
	}
	if inj.removalCount() != 1 {
		t.Errorf("expected 1 interrupt withdrawal on rewrite, got %d", inj.removalCount())
	}
	expectNoInjection(t, inj)
}

func TestDisableCancelsAndWithdraws(t *testing.T) {
	tm, _, inj := newTestTimer(1)
	defer tm.Detach()

	tm.WriteCVAL(0, uint64(time.Hour/time.Nanosecond))
	tm.WriteCTL(0, CTLEnable)
	if !tm.Armed(0) {
		t.Fatal("expected an armed callback")
	}

	tm.WriteCTL(0, CTLIMask)
	if tm.Armed(0) {
		t.Error("callback still armed after disable")
	}
	if inj.removalCount() != 1 {
		t.Errorf("expected 1 interrupt withdrawal, got %d", inj.removalCount())
	}
	expectNoInjection(t, inj)
}

func TestReadCTLComputesStatus(t *testing.T) {
	tm, clock, _ := newTestTimer(1)
	defer tm.Detach()

	clock.now.Store(100)
	tm.WriteCVAL(0, 50)
	if ctl := tm.ReadCTL(0); ctl&CTLIStatus == 0 {
		t.Error("ISTATUS clear although the deadline elapsed")
	}

	tm.WriteCVAL(0, 200)
	if ctl := tm.ReadCTL(0); ctl&CTLIStatus != 0 {
		t.Error("ISTATUS set although the deadline is in the future")
	}
}

func TestReadTVAL(t *testing.T) {
	tm, clock, inj := newTestTimer(1)
	defer tm.Detach()

	if got := tm.ReadTVAL(0); got != 0xffffffff {
		t.Errorf("disabled TVAL = 0x%x, want 0xffffffff", got)
	}

	clock.now.Store(1000)
	tm.WriteCVAL(0, 6000)
	tm.WriteCTL(0, CTLEnable)
	if got := tm.ReadTVAL(0); got != 5000 {
		t.Errorf("TVAL = %d, want 5000", got)
	}

	tm.WriteCTL(0, CTLIMask)
	if inj.removalCount() != 1 {
		t.Errorf("expected 1 interrupt withdrawal on disable, got %d", inj.removalCount())
	}
}

func TestWriteTVALSignedOffset(t *testing.T) {
	tm, clock, inj := newTestTimer(1)
	defer tm.Detach()

	clock.now.Store(10_000)
	tm.WriteTVAL(0, 0xffffff00) // -256 as a signed 32-bit offset
	if got := tm.ReadCVAL(0); got != 10_000-256 {
		t.Errorf("CVAL = %d, want %d", got, 10_000-256)
	}

	// The deadline is already behind the counter; enabling fires at once.
	tm.WriteCTL(0, CTLEnable)
	waitInjection(t, inj)
}

func TestPerCPUTimersAreIndependent(t *testing.T) {
	tm, clock, inj := newTestTimer(2)
	defer tm.Detach()

	clock.now.Store(100)
	tm.WriteCVAL(1, 50)
	tm.WriteCTL(1, CTLEnable)

	got := waitInjection(t, inj)
	if got.vcpu != 1 {
		t.Errorf("injection targeted vcpu %d, want 1", got.vcpu)
	}
	if tm.Armed(0) {
		t.Error("vcpu 0 callback armed by a vcpu 1 write")
	}
}

func TestStateRoundTripReArms(t *testing.T) {
	tm, _, _ := newTestTimer(1)
	defer tm.Detach()

	hour := uint64(time.Hour / time.Nanosecond)
	tm.WriteCVAL(0, hour)
	tm.WriteCTL(0, CTLEnable)

	other, _, _ := newTestTimer(1)
	defer other.Detach()
	if err := other.RestoreState(tm.SaveState()); err != nil {
		t.Fatalf("RestoreState failed: %v", err)
	}

	if got := other.ReadCVAL(0); got != hour {
		t.Errorf("restored CVAL = %d, want %d", got, hour)
	}
	if got := other.ReadCTL(0) &^ CTLIStatus; got != CTLEnable {
		t.Errorf("restored CTL = 0x%x, want enable", got)
	}
	if !other.Armed(0) {
		t.Error("restored enabled timer has no armed callback")
	}
}

func TestRestoreStateRejectsWrongCPUCount(t *testing.T) {
	tm, _, _ := newTestTimer(2)
	defer tm.Detach()

	other, _, _ := newTestTimer(1)
	defer other.Detach()
	if err := other.RestoreState(tm.SaveState()); err == nil {
		t.Error("expected error restoring a 2-vCPU state into a 1-vCPU timer")
	}
}
