package hookd

import "sync/atomic"

// Counters are the per-worker statistics reported by the control
// channel. RejectedBlack counts 4xx policy rejections, RejectedWhite
// counts 5xx ones.
type Counters struct {
	Accepted      atomic.Int64
	Active        atomic.Int64
	RejectedBlack atomic.Int64
	RejectedWhite atomic.Int64
}
