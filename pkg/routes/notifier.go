package routes

import "sync"

// WaveNotifier fans wave-change notifications out to SSE subscribers. It is
// the broadcast collaborator the inbox handlers and origin-side service use
// to wake locally connected viewers.
type WaveNotifier struct {
	subscribers map[string]map[chan struct{}]struct{}
	mu          sync.RWMutex
}

// NewWaveNotifier creates a new WaveNotifier.
func NewWaveNotifier() *WaveNotifier {
	return &WaveNotifier{
		subscribers: make(map[string]map[chan struct{}]struct{}),
	}
}

// Subscribe adds a subscriber that will be notified when the wave changes.
func (wn *WaveNotifier) Subscribe(waveID string) chan struct{} {
	wn.mu.Lock()
	defer wn.mu.Unlock()
	ch := make(chan struct{}, 1)
	if wn.subscribers[waveID] == nil {
		wn.subscribers[waveID] = make(map[chan struct{}]struct{})
	}
	wn.subscribers[waveID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber.
func (wn *WaveNotifier) Unsubscribe(waveID string, ch chan struct{}) {
	wn.mu.Lock()
	defer wn.mu.Unlock()
	if subs := wn.subscribers[waveID]; subs != nil {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(wn.subscribers, waveID)
		}
	}
	close(ch)
}

// WaveUpdated triggers every subscriber of the given wave.
func (wn *WaveNotifier) WaveUpdated(waveID string) {
	wn.mu.RLock()
	defer wn.mu.RUnlock()
	for ch := range wn.subscribers[waveID] {
		select {
		case ch <- struct{}{}:
		default:
			// Channel already has a pending notification, skip
		}
	}
}
