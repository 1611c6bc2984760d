package broker

import "github.com/org/secretbroker/pkg/models"

// WatchRequest returns a channel that receives the request's terminal
// decision (approved, denied or expired) exactly once and is then closed,
// plus a cancel function that releases the subscription. The caller must
// invoke cancel when it stops listening; for a request that is already
// decided no notification will ever arrive, and an unreleased channel
// would sit in the registry forever. The channel is buffered, so slow
// consumers never block the decider. Callers that want to wait for
// approval select on this channel instead of holding a connection open;
// the underlying status lives in the store and survives restarts, so a
// watcher that missed the decision can always poll GetAccessRequest.
func (b *Broker) WatchRequest(requestID string) (<-chan models.RequestStatus, func()) {
	ch := make(chan models.RequestStatus, 1)
	b.watchMu.Lock()
	b.watchers[requestID] = append(b.watchers[requestID], ch)
	b.watchMu.Unlock()

	cancel := func() {
		b.watchMu.Lock()
		defer b.watchMu.Unlock()
		chans := b.watchers[requestID]
		for i, c := range chans {
			if c == ch {
				chans = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(chans) == 0 {
			delete(b.watchers, requestID)
		} else {
			b.watchers[requestID] = chans
		}
	}
	return ch, cancel
}

func (b *Broker) notifyWatchers(requestID string, status models.RequestStatus) {
	b.watchMu.Lock()
	chans := b.watchers[requestID]
	delete(b.watchers, requestID)
	b.watchMu.Unlock()
	for _, ch := range chans {
		ch <- status
		close(ch)
	}
}
