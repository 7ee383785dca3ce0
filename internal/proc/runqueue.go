package proc

import "math/bits"

// RunQueue is one CPU's O(1) multilevel run queue: 32 per-priority FIFOs
// plus a bitmap so the next runnable priority is found with a single
// scan of the word rather than walking all 32 levels (spec.md §4.5).
type RunQueue struct {
	levels [NumPriorities][]*Process
	bitmap uint32
}

// Enqueue appends p to the tail of its priority's FIFO.
func (rq *RunQueue) Enqueue(p *Process) {
	pr := p.Priority
	rq.levels[pr] = append(rq.levels[pr], p)
	rq.bitmap |= 1 << uint(pr)
}

// Dequeue removes and returns the head of the highest-priority non-empty
// FIFO (priority 0 is highest, matching spec.md's "lower number wins"
// run-queue/signal convention), or nil if every level is empty.
func (rq *RunQueue) Dequeue() *Process {
	if rq.bitmap == 0 {
		return nil
	}
	pr := firstSetBit(rq.bitmap)
	q := rq.levels[pr]
	p := q[0]
	rq.levels[pr] = q[1:]
	if len(rq.levels[pr]) == 0 {
		rq.bitmap &^= 1 << uint(pr)
	}
	return p
}

// Len reports the total number of runnable processes queued, for metrics
// and /proc.
func (rq *RunQueue) Len() int {
	n := 0
	for _, q := range rq.levels {
		n += len(q)
	}
	return n
}

// firstSetBit returns the index of the lowest set bit in bitmap, i.e. the
// highest-priority non-empty level, via a single count-zeros instruction
// rather than a scan of all 32 levels (spec.md §3 "Ready queue").
func firstSetBit(bitmap uint32) int {
	if bitmap == 0 {
		return -1
	}
	return bits.TrailingZeros32(bitmap)
}
