package relay

// outboundFrame is one frame queued for the carrier socket.
type outboundFrame struct {
	data []byte
	// audio frames are discarded by a clear; control frames are not.
	audio bool
}

// outboundQueue is a bounded frame queue. When full, the oldest frame is
// dropped so the newest audio always gets through.
type outboundQueue struct {
	ch chan outboundFrame
}

func newOutboundQueue(size int) *outboundQueue {
	if size <= 0 {
		size = 256
	}
	return &outboundQueue{ch: make(chan outboundFrame, size)}
}

// push enqueues f and reports how many frames were dropped to make room.
func (q *outboundQueue) push(f outboundFrame) (dropped int) {
	for i := 0; i < 4; i++ {
		select {
		case q.ch <- f:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			dropped++
		default:
		}
	}
	select {
	case q.ch <- f:
	default:
		dropped++
	}
	return dropped
}

// clear discards queued audio and returns the count removed. Control frames
// found while draining are put back in order.
func (q *outboundQueue) clear() int {
	var keep []outboundFrame
	removed := 0
	for {
		select {
		case f := <-q.ch:
			if f.audio {
				removed++
				continue
			}
			keep = append(keep, f)
			continue
		default:
		}
		break
	}
	for _, f := range keep {
		q.push(f)
	}
	return removed
}

func (q *outboundQueue) len() int { return len(q.ch) }
