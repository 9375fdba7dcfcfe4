package telegram

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedChats bounds the limiter table; idle entries are swept past it.
const maxTrackedChats = 10000

// ChatLimiter is a token bucket per chat.
type ChatLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[int64]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewChatLimiter allows perMinute messages per chat with a burst of the same
// size. perMinute <= 0 returns nil, which allows everything.
func NewChatLimiter(perMinute int) *ChatLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &ChatLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		buckets: make(map[int64]*bucket),
	}
}

// Allow consumes one token for the chat.
func (l *ChatLimiter) Allow(chatID int64) bool {
	if l == nil {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[chatID]
	if !ok {
		if len(l.buckets) >= maxTrackedChats {
			l.sweep(now)
		}
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[chatID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// sweep drops chats idle long enough for their bucket to have refilled.
func (l *ChatLimiter) sweep(now time.Time) {
	idle := time.Duration(float64(l.burst)/float64(l.limit)) * time.Second
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > idle {
			delete(l.buckets, id)
		}
	}
}
