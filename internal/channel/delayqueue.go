package channel

import "time"

type delayed struct {
	at    time.Time
	frame []byte
}

// delayQueue holds frames until their release time. FIFO: frames are always
// released in enqueue order, even if a delay change would let a later frame
// mature first.
type delayQueue struct {
	entries []delayed
	timer   *time.Timer
}

func (q *delayQueue) empty() bool { return len(q.entries) == 0 }

func (q *delayQueue) push(frame []byte, at time.Time) {
	q.entries = append(q.entries, delayed{at: at, frame: frame})
	if len(q.entries) == 1 {
		q.arm(at)
	}
}

// timerC returns the release timer channel, or nil (never ready) when the
// queue is idle.
func (q *delayQueue) timerC() <-chan time.Time {
	if q.timer == nil || len(q.entries) == 0 {
		return nil
	}
	return q.timer.C
}

// popReady removes and returns every frame whose release time has passed,
// then re-arms the timer for the next head.
func (q *delayQueue) popReady(now time.Time) [][]byte {
	var out [][]byte
	for len(q.entries) > 0 && !q.entries[0].at.After(now) {
		out = append(out, q.entries[0].frame)
		q.entries = q.entries[1:]
	}
	if len(q.entries) > 0 {
		q.arm(q.entries[0].at)
	}
	return out
}

func (q *delayQueue) arm(at time.Time) {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	if q.timer == nil {
		q.timer = time.NewTimer(d)
		return
	}
	if !q.timer.Stop() {
		select {
		case <-q.timer.C:
		default:
		}
	}
	q.timer.Reset(d)
}

func (q *delayQueue) clear() {
	q.entries = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
