package realtime

import (
	"math/rand"
	"sync"

	"github.com/diora/switchboard/internal/clock"
)

// pushChars is ordered by ASCII value so generated keys sort lexicographically.
const pushChars = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

// PushIDs generates 20-character keys: 8 characters of millisecond time and
// 12 random characters. Within one millisecond the random part is incremented
// instead of redrawn, so keys from one generator sort in creation order.
type PushIDs struct {
	clock clock.Clock

	mu       sync.Mutex
	lastTime int64
	lastRand [12]int
}

// NewPushIDs returns a generator using c for time. A nil clock uses the wall
// clock.
func NewPushIDs(c clock.Clock) *PushIDs {
	if c == nil {
		c = clock.Real{}
	}
	return &PushIDs{clock: c}
}

// Next returns a new key.
func (p *PushIDs) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now().UnixMilli()
	if now < p.lastTime {
		// Never let a key sort before an earlier one.
		now = p.lastTime
	}
	if now == p.lastTime {
		i := len(p.lastRand) - 1
		for ; i >= 0 && p.lastRand[i] == len(pushChars)-1; i-- {
			p.lastRand[i] = 0
		}
		if i >= 0 {
			p.lastRand[i]++
		}
	} else {
		for i := range p.lastRand {
			p.lastRand[i] = rand.Intn(len(pushChars))
		}
	}
	p.lastTime = now

	var buf [20]byte
	t := now
	for i := 7; i >= 0; i-- {
		buf[i] = pushChars[t%64]
		t /= 64
	}
	for i, r := range p.lastRand {
		buf[8+i] = pushChars[r]
	}
	return string(buf[:])
}
