package notify

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mworlabs/lotteryd/config"
	"github.com/mworlabs/lotteryd/logger"
	"github.com/mworlabs/lotteryd/models"
	"github.com/mworlabs/lotteryd/monitor"
)

// limitRecord tracks send gating for one target (or globally).
type limitRecord struct {
	limited           bool
	retryAt           time.Time
	consecutiveErrors int
	lastSentAt        time.Time
}

func (r *limitRecord) blocked(now time.Time) bool {
	if r.limited && now.Before(r.retryAt) {
		return true
	}
	if r.limited {
		r.limited = false
		r.consecutiveErrors = 0
	}
	return false
}

type joinEvent struct {
	name     string
	at       time.Time
	priority models.NotifyPriority
}

// Notifier owns the pending queue, the rate-limit records and the
// bundling buffers. One per process instance.
type Notifier struct {
	cfg       config.NotifyConfig
	transport Transport
	metrics   *monitor.Monitor // optional

	mu      sync.Mutex
	queue   *pendingQueue
	targets map[int64]*limitRecord
	global  limitRecord
	joins   map[int64][]joinEvent

	ticker    *time.Ticker
	closeChan chan struct{}
	closeOnce sync.Once

	now func() time.Time
}

func NewNotifier(cfg config.NotifyConfig, transport Transport, metrics *monitor.Monitor) *Notifier {
	return &Notifier{
		cfg:       cfg,
		transport: transport,
		metrics:   metrics,
		queue:     newPendingQueue(cfg.QueueLimit),
		targets:   make(map[int64]*limitRecord),
		joins:     make(map[int64][]joinEvent),
		closeChan: make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the background tick loop.
func (n *Notifier) Start() {
	n.ticker = time.NewTicker(n.cfg.TickInterval)
	go n.loop()
}

func (n *Notifier) loop() {
	for {
		select {
		case <-n.ticker.C:
			n.Tick()
		case <-n.closeChan:
			n.ticker.Stop()
			return
		}
	}
}

// Close stops the tick loop. Queued items are abandoned.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() { close(n.closeChan) })
}

// Send delivers content to target at the given priority, immediately when
// the gates allow it and queued otherwise.
func (n *Notifier) Send(target int64, content string, priority models.NotifyPriority) {
	item := &Item{
		Target:     target,
		Payload:    content,
		Priority:   priority,
		Kind:       KindMessage,
		EnqueuedAt: n.now(),
	}
	n.dispatch(item)
}

// Edit updates a previously sent message.
func (n *Notifier) Edit(target int64, messageID int, content string) {
	n.dispatch(&Item{
		Target:     target,
		Payload:    content,
		MessageID:  messageID,
		Priority:   models.PriorityNormal,
		Kind:       KindEdit,
		EnqueuedAt: n.now(),
	})
}

// Delete removes a previously sent message.
func (n *Notifier) Delete(target int64, messageID int) {
	n.dispatch(&Item{
		Target:     target,
		MessageID:  messageID,
		Priority:   models.PriorityLow,
		Kind:       KindDelete,
		EnqueuedAt: n.now(),
	})
}

// Ack answers a pending interaction. Acks are cheap and time-sensitive, so
// they go straight to the transport.
func (n *Notifier) Ack(callbackID, text string) {
	if err := n.transport.AnswerCallback(callbackID, text); err != nil {
		logger.Log.Warnf("callback ack failed: %v", err)
	}
}

// SendJoin records a join event for bundling. Joins for the same target
// within the bundling window collapse into one combined message.
func (n *Notifier) SendJoin(target int64, displayName string, priority models.NotifyPriority) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.joins[target] = append(n.joins[target], joinEvent{
		name:     displayName,
		at:       n.now(),
		priority: priority,
	})
}

// Announce queues a replaceable announcement: if an announcement with the
// same key for the same target is still queued, the newer one supersedes
// it instead of both being sent.
func (n *Notifier) Announce(target int64, key, content string, priority models.NotifyPriority) {
	item := &Item{
		Target:      target,
		Payload:     content,
		Priority:    priority,
		Kind:        KindMessage,
		EnqueuedAt:  n.now(),
		announceKey: key,
	}

	n.mu.Lock()
	n.queue.ReplaceAnnouncement(target, key)
	n.mu.Unlock()

	n.dispatch(item)
}

// dispatch tries an immediate send and queues on any gate.
func (n *Notifier) dispatch(item *Item) {
	n.mu.Lock()
	if !n.gateOpen(item.Target, item.Priority) {
		n.enqueueLocked(item)
		n.mu.Unlock()
		return
	}
	n.reserveLocked(item.Target)
	n.mu.Unlock()

	n.deliver(item)
}

// gateOpen checks the global record, the target record and the minimum
// inter-message interval. Critical priority uses its own shorter interval
// but still cannot pass a hard rate limit.
func (n *Notifier) gateOpen(target int64, priority models.NotifyPriority) bool {
	now := n.now()
	if n.global.blocked(now) {
		return false
	}
	rec := n.targetRecord(target)
	if rec.blocked(now) {
		return false
	}

	interval := n.cfg.MinInterval
	if priority == models.PriorityCritical {
		interval = n.cfg.CriticalInterval
	}
	return now.Sub(rec.lastSentAt) >= interval
}

func (n *Notifier) targetRecord(target int64) *limitRecord {
	rec, ok := n.targets[target]
	if !ok {
		rec = &limitRecord{}
		n.targets[target] = rec
	}
	return rec
}

func (n *Notifier) reserveLocked(target int64) {
	n.targetRecord(target).lastSentAt = n.now()
}

func (n *Notifier) enqueueLocked(item *Item) {
	if evicted := n.queue.Push(item); evicted != nil {
		logger.Log.Warnf("notification queue full, evicted %s for chat %d", evicted.Kind, evicted.Target)
		if n.metrics != nil {
			n.metrics.IncNotificationsDropped()
		}
	}
	if n.metrics != nil {
		n.metrics.SetQueueDepth(n.queue.Len())
	}
}

// deliver performs the transport call and handles the error taxonomy:
// rate-limited and transient errors requeue, permanent errors drop,
// unclassified errors get one more try.
func (n *Notifier) deliver(item *Item) {
	item.Attempts++

	start := time.Now()
	var err error
	switch item.Kind {
	case KindEdit:
		err = n.transport.EditMessage(item.Target, item.MessageID, item.Payload)
	case KindDelete:
		err = n.transport.DeleteMessage(item.Target, item.MessageID)
	default:
		_, err = n.transport.SendMessage(item.Target, item.Payload)
	}
	if n.metrics != nil {
		n.metrics.ObserveSendLatency(time.Since(start))
	}

	if err == nil {
		n.mu.Lock()
		rec := n.targetRecord(item.Target)
		rec.consecutiveErrors = 0
		n.global.consecutiveErrors = 0
		n.mu.Unlock()
		if n.metrics != nil {
			n.metrics.IncNotificationsSent()
		}
		return
	}

	var rateErr *RateLimitError
	var permErr *PermanentError
	switch {
	case errors.As(err, &rateErr):
		n.mu.Lock()
		rec := n.targetRecord(item.Target)
		rec.limited = true
		rec.retryAt = n.now().Add(rateErr.RetryAfter)
		rec.consecutiveErrors++
		n.global.consecutiveErrors++
		// Several targets limited back to back reads as a transport-wide
		// limit; back off globally too.
		if n.global.consecutiveErrors >= 3 {
			n.global.limited = true
			n.global.retryAt = n.now().Add(rateErr.RetryAfter)
		}
		if item.Attempts < n.cfg.MaxAttempts {
			n.enqueueLocked(item)
		} else if n.metrics != nil {
			n.metrics.IncNotificationsDropped()
		}
		n.mu.Unlock()

	case errors.As(err, &permErr):
		logger.Log.Infof("dropping notification for chat %d: %v", item.Target, err)
		if n.metrics != nil {
			n.metrics.IncNotificationsDropped()
		}

	default:
		if item.Attempts < 2 {
			n.mu.Lock()
			n.enqueueLocked(item)
			n.mu.Unlock()
		} else {
			logger.Log.Warnf("giving up on notification for chat %d: %v", item.Target, err)
			if n.metrics != nil {
				n.metrics.IncNotificationsDropped()
			}
		}
	}
}

// Tick flushes due join bundles and drains a bounded number of queued
// items whose gates are open. Called from the background loop; exported
// for deterministic tests.
func (n *Notifier) Tick() {
	n.flushBundles()
	n.drain()
}

func (n *Notifier) flushBundles() {
	now := n.now()

	n.mu.Lock()
	var ready []*Item
	for target, events := range n.joins {
		if len(events) == 0 {
			continue
		}
		if now.Sub(events[0].at) < n.cfg.BundleWindow {
			continue
		}

		names := make([]string, len(events))
		priority := events[0].priority
		for i, ev := range events {
			names[i] = ev.name
			if ev.priority < priority {
				priority = ev.priority
			}
		}
		delete(n.joins, target)

		ready = append(ready, &Item{
			Target:     target,
			Payload:    bundleText(names),
			Priority:   priority,
			Kind:       KindBundleSource,
			EnqueuedAt: now,
		})
	}
	n.mu.Unlock()

	for _, item := range ready {
		n.dispatch(item)
	}
}

// bundleText renders "A joined", "A and B joined", "A, B and C joined".
func bundleText(names []string) string {
	switch len(names) {
	case 1:
		return fmt.Sprintf("%s joined the game!", names[0])
	case 2:
		return fmt.Sprintf("%s and %s joined the game!", names[0], names[1])
	default:
		head := strings.Join(names[:len(names)-1], ", ")
		return fmt.Sprintf("%s and %s joined the game!", head, names[len(names)-1])
	}
}

func (n *Notifier) drain() {
	var deliverable []*Item

	n.mu.Lock()
	var blocked []*Item
	for len(deliverable) < n.cfg.DrainPerTick {
		item := n.queue.Pop()
		if item == nil {
			break
		}
		if !n.gateOpen(item.Target, item.Priority) {
			blocked = append(blocked, item)
			continue
		}
		n.reserveLocked(item.Target)
		deliverable = append(deliverable, item)
	}
	for _, item := range blocked {
		n.queue.Push(item)
	}
	if n.metrics != nil {
		n.metrics.SetQueueDepth(n.queue.Len())
	}
	n.mu.Unlock()

	for _, item := range deliverable {
		n.deliver(item)
	}
}

// QueueDepth reports the pending queue size.
func (n *Notifier) QueueDepth() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.queue.Len()
}
