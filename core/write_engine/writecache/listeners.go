package writecache

import "sync"

// BackgroundExceptionListener receives errors raised by background flushes.
type BackgroundExceptionListener func(err error)

// PageIsBrokenListener receives pages that failed verification and could not
// be restored. Listeners run on the goroutine that found the page and must
// not block.
type PageIsBrokenListener func(fileName string, pageIndex int64)

// Subscription cancels a listener registration.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

type listenerSet struct {
	mu         sync.Mutex
	next       int
	background map[int]BackgroundExceptionListener
	broken     map[int]PageIsBrokenListener
}

func newListenerSet() *listenerSet {
	return &listenerSet{
		background: make(map[int]BackgroundExceptionListener),
		broken:     make(map[int]PageIsBrokenListener),
	}
}

// SubscribeBackgroundExceptions registers l for background flush errors.
func (wc *WriteCache) SubscribeBackgroundExceptions(l BackgroundExceptionListener) *Subscription {
	s := wc.listeners
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.background[id] = l
	return &Subscription{cancel: func() {
		s.mu.Lock()
		delete(s.background, id)
		s.mu.Unlock()
	}}
}

// SubscribePageIsBroken registers l for pages that failed verification.
func (wc *WriteCache) SubscribePageIsBroken(l PageIsBrokenListener) *Subscription {
	s := wc.listeners
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.broken[id] = l
	return &Subscription{cancel: func() {
		s.mu.Lock()
		delete(s.broken, id)
		s.mu.Unlock()
	}}
}

func (s *listenerSet) notifyBackground(err error) {
	s.mu.Lock()
	ls := make([]BackgroundExceptionListener, 0, len(s.background))
	for _, l := range s.background {
		ls = append(ls, l)
	}
	s.mu.Unlock()
	for _, l := range ls {
		l(err)
	}
}

func (s *listenerSet) notifyBroken(fileName string, pageIndex int64) {
	s.mu.Lock()
	ls := make([]PageIsBrokenListener, 0, len(s.broken))
	for _, l := range s.broken {
		ls = append(ls, l)
	}
	s.mu.Unlock()
	for _, l := range ls {
		l(fileName, pageIndex)
	}
}
