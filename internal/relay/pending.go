package relay

import "fmt"

// OverflowPolicy decides what happens when the pending queue is full.
type OverflowPolicy string

const (
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowFail       OverflowPolicy = "fail"
)

func ParseOverflowPolicy(raw string) (OverflowPolicy, error) {
	switch OverflowPolicy(raw) {
	case OverflowDropOldest, "":
		return OverflowDropOldest, nil
	case OverflowFail:
		return OverflowFail, nil
	default:
		return "", fmt.Errorf("unknown pending overflow policy %q", raw)
	}
}

type frame struct {
	msgType int
	data    []byte
}

// pendingQueue holds downstream frames that arrive before the upstream is
// ready. It is owned by the session loop and never shared.
type pendingQueue struct {
	frames    []frame
	bytes     int
	maxFrames int
	maxBytes  int
	policy    OverflowPolicy
}

func newPendingQueue(maxFrames, maxBytes int, policy OverflowPolicy) *pendingQueue {
	if maxFrames <= 0 {
		maxFrames = 256
	}
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	if policy == "" {
		policy = OverflowDropOldest
	}
	return &pendingQueue{maxFrames: maxFrames, maxBytes: maxBytes, policy: policy}
}

// push appends f. Under drop_oldest it returns how many frames were
// evicted to make room. A frame larger than maxBytes is dropped on its own
// and the queue is left as it was. Under fail it reports overflow and
// leaves the queue untouched.
func (q *pendingQueue) push(f frame) (dropped int, overflow bool) {
	size := len(f.data)
	fits := func() bool {
		return len(q.frames)+1 <= q.maxFrames && q.bytes+size <= q.maxBytes
	}
	if fits() {
		q.append(f)
		return 0, false
	}
	if q.policy == OverflowFail {
		return 0, true
	}
	if size > q.maxBytes {
		return 1, false
	}
	for len(q.frames) > 0 && !fits() {
		q.bytes -= len(q.frames[0].data)
		q.frames[0] = frame{}
		q.frames = q.frames[1:]
		dropped++
	}
	q.append(f)
	return dropped, false
}

func (q *pendingQueue) append(f frame) {
	q.frames = append(q.frames, f)
	q.bytes += len(f.data)
}

// drain returns every queued frame in arrival order and empties the queue.
func (q *pendingQueue) drain() []frame {
	out := q.frames
	q.frames = nil
	q.bytes = 0
	return out
}

func (q *pendingQueue) len() int { return len(q.frames) }
