package stream

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{SettleDelay: 8 * time.Second, HardTimeout: 5*time.Minute + 30*time.Second, SweepEvery: time.Hour}
}

// TestStreamSettleSequence is a direct port of spec §8 scenario S4: a
// send_message at t=0 followed by a send_image at t=3 must not finalize
// until the settle delay has elapsed since the LAST write (the image bump),
// not since the original send_message.
func TestStreamSettleSequence(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	s := r.Open("chat1", "user1", "orig-msg", "")

	base := time.Now()
	s.CreatedAt = base
	s.LastUpdatedAt = base
	s.Content = "hi"
	s.IsFinished = true // send_message("hi") at t=0

	// send_image at t=3 bumps the settle clock.
	s.PendingImages = append(s.PendingImages, PendingImage{Base64: "payload", MD5: "abc"})
	s.LastUpdatedAt = base.Add(3 * time.Second)

	res := r.Refresh(s.ID, base.Add(1*time.Second))
	if res.Finish || res.Content != "hi" {
		t.Fatalf("t=1s: expected finish:false content:hi, got %+v", res)
	}

	res = r.Refresh(s.ID, base.Add(4*time.Second))
	if res.Finish {
		t.Fatalf("t=4s: expected finish:false (1s < 8s settle since t=3 bump), got %+v", res)
	}

	res = r.Refresh(s.ID, base.Add(9*time.Second))
	if res.Finish {
		t.Fatalf("t=9s: expected finish:false (9-3=6s < 8s settle), got %+v", res)
	}

	res = r.Refresh(s.ID, base.Add(11*time.Second))
	if !res.Finish {
		t.Fatalf("t=11s: expected finish:true (11-3=8s >= 8s settle), got %+v", res)
	}
	if res.Content != "hi" {
		t.Errorf("expected finalized content 'hi', got %q", res.Content)
	}
	if len(res.Images) != 1 || res.Images[0].MD5 != "abc" {
		t.Errorf("expected the enqueued image attached to the finalizing reply, got %+v", res.Images)
	}

	// The session must be gone after finalize.
	if _, ok := r.Get(s.ID); ok {
		t.Error("expected session removed from the registry after finalize")
	}
}

// TestStreamNeverFinalizesBeforeSettleDelay is invariant 5 (§8): no reply
// with finish:true is ever emitted while now-last_updated_at < settle_delay.
func TestStreamNeverFinalizesBeforeSettleDelay(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	s := r.Open("chat1", "user1", "orig", "")
	base := time.Now()
	s.CreatedAt = base
	s.LastUpdatedAt = base
	s.Content = "done"
	s.IsFinished = true

	for _, elapsed := range []time.Duration{0, time.Second, 3 * time.Second, 7900 * time.Millisecond} {
		res := r.Refresh(s.ID, base.Add(elapsed))
		if res.Finish {
			t.Fatalf("elapsed=%v: must not finalize before settle delay, got %+v", elapsed, res)
		}
	}
}

// TestStreamUniquenessPerPeer is invariant 6 (§8): opening a new stream for
// the same (chat,user) replaces any still-open one.
func TestStreamUniquenessPerPeer(t *testing.T) {
	var finalized []string
	r := NewRegistry(testConfig(), func(s *Session) { finalized = append(finalized, s.ID) })

	first := r.Open("chat1", "user1", "orig1", "")
	second := r.Open("chat1", "user1", "orig2", "")

	if first.ID == second.ID {
		t.Fatal("expected a fresh stream id on re-open")
	}
	if _, ok := r.Get(first.ID); ok {
		t.Error("expected the first session to be finalized/removed when a second one opens for the same peer")
	}
	if len(finalized) != 1 || finalized[0] != first.ID {
		t.Errorf("expected onFinalize called once for the superseded session, got %v", finalized)
	}
	if got, ok := r.GetByPeer("chat1", "user1"); !ok || got.ID != second.ID {
		t.Error("expected the peer index to point at the second session")
	}
}

// TestStreamUnknownIDTombstone verifies an unknown stream id returns a
// finish:true empty tombstone rather than an error.
func TestStreamUnknownIDTombstone(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	res := r.Refresh("does-not-exist", time.Now())
	if !res.Finish || res.Found {
		t.Fatalf("expected tombstone {finish:true, found:false}, got %+v", res)
	}
}

// TestStreamForceFinishOnHardTimeout verifies a session that never finishes
// is force-finalized once the hard timeout elapses.
func TestStreamForceFinishOnHardTimeout(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	s := r.Open("chat1", "user1", "orig", "")
	base := time.Now()
	s.CreatedAt = base
	s.LastUpdatedAt = base

	res := r.Refresh(s.ID, base.Add(5*time.Minute))
	if res.Finish {
		t.Fatalf("expected not yet force-finished before hard timeout, got %+v", res)
	}

	res = r.Refresh(s.ID, base.Add(6*time.Minute))
	if !res.Finish {
		t.Fatalf("expected force-finish past the hard timeout, got %+v", res)
	}
	if _, ok := r.Get(s.ID); ok {
		t.Error("expected session removed after hard-timeout force-finish")
	}
}

func TestStreamFinalizeImageCap(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	s := r.Open("chat1", "user1", "orig", "")
	base := time.Now()
	s.CreatedAt = base
	s.Content = "done"
	s.IsFinished = true
	for i := 0; i < 15; i++ {
		s.PendingImages = append(s.PendingImages, PendingImage{Base64: "x", MD5: "x"})
	}
	s.LastUpdatedAt = base

	res := r.Refresh(s.ID, base.Add(9*time.Second))
	if !res.Finish {
		t.Fatalf("expected finalize, got %+v", res)
	}
	if len(res.Images) != maxFinalizeImages {
		t.Errorf("expected images capped at %d, got %d", maxFinalizeImages, len(res.Images))
	}
}
