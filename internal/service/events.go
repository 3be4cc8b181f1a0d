package service

import (
	"sync"
	"time"

	"purepale-studio/internal/model"
	"purepale-studio/pkg/logger"
)

// broker 按会话分发工作区事件。订阅者消费过慢时丢弃事件，不阻塞生成流程。
type broker struct {
	mu     sync.RWMutex
	subs   map[string]map[chan model.Event]struct{}
	buffer int
}

func newBroker(buffer int) *broker {
	if buffer <= 0 {
		buffer = 32
	}
	return &broker{
		subs:   make(map[string]map[chan model.Event]struct{}),
		buffer: buffer,
	}
}

func (b *broker) subscribe(sessionID string) (<-chan model.Event, func()) {
	ch := make(chan model.Event, b.buffer)

	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[chan model.Event]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[sessionID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(b.subs, sessionID)
				}
			}
		})
	}
	return ch, cancel
}

func (b *broker) publish(ev model.Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			logger.Warnf("event %s for session %s dropped: subscriber is full", ev.Type, ev.SessionID)
		}
	}
}

// closeSession 会话删除时关闭其所有订阅
func (b *broker) closeSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[sessionID] {
		close(ch)
	}
	delete(b.subs, sessionID)
}

func boolPtr(v bool) *bool {
	return &v
}
