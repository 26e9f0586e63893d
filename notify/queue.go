// Package notify is the in-process queue through which relay and transfer events
// become user-actionable.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"securepeer/logging"
)

// Category classifies a notification.
type Category string

const (
	CategoryInfo             Category = "info"
	CategorySuccess          Category = "success"
	CategoryError            Category = "error"
	CategoryIncomingRequest  Category = "incoming-request"
	CategoryIncomingTransfer Category = "incoming-transfer"
)

// DefaultSubscriberBuffer is the channel size handed to each subscriber.
const DefaultSubscriberBuffer = 64

// Notification is one queued event.
type Notification struct {
	ID        string            `json:"id"`
	Category  Category          `json:"category"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt int64             `json:"created_at"`
	Dismissed bool              `json:"dismissed"`
}

// Notifier is the write side used by components that raise events.
type Notifier interface {
	Enqueue(category Category, message string, data map[string]string) Notification
}

// Options configures a Queue.
type Options struct {
	SubscriberBuffer int
	Logger           *logrus.Logger
	Now              func() time.Time
}

// Queue is an ordered, append-only notification list.
type Queue struct {
	logger *logrus.Logger
	now    func() time.Time
	buffer int

	mu    sync.Mutex
	items []Notification
	index map[string]int
	subs  map[chan Notification]struct{}
}

// New creates an empty Queue.
func New(options Options) *Queue {
	buffer := options.SubscriberBuffer
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		logger: logging.OrDiscard(options.Logger),
		now:    now,
		buffer: buffer,
		index:  make(map[string]int),
		subs:   make(map[chan Notification]struct{}),
	}
}

// Enqueue appends a notification and fans it out to subscribers. It never blocks:
// a subscriber whose channel is full misses the event but can still read it from
// Pending.
func (q *Queue) Enqueue(category Category, message string, data map[string]string) Notification {
	n := Notification{
		ID:        uuid.NewString(),
		Category:  category,
		Message:   message,
		Data:      copyData(data),
		CreatedAt: q.now().UnixMilli(),
	}

	q.mu.Lock()
	q.index[n.ID] = len(q.items)
	q.items = append(q.items, n)
	for ch := range q.subs {
		select {
		case ch <- cloneNotification(n):
		default:
			q.logger.WithField("notification_id", n.ID).Debug("subscriber full, notification not delivered")
		}
	}
	q.mu.Unlock()

	q.logger.WithFields(logrus.Fields{
		"notification_id": n.ID,
		"category":        category,
	}).Debug(message)
	return cloneNotification(n)
}

// Dismiss marks id as handled. Unknown or already dismissed ids are ignored.
func (q *Queue) Dismiss(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i, ok := q.index[id]; ok {
		q.items[i].Dismissed = true
	}
}

// Pending returns the notifications not yet dismissed, oldest first.
func (q *Queue) Pending() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Notification, 0, len(q.items))
	for _, n := range q.items {
		if !n.Dismissed {
			out = append(out, cloneNotification(n))
		}
	}
	return out
}

// All returns every notification, including dismissed ones, oldest first.
func (q *Queue) All() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Notification, 0, len(q.items))
	for _, n := range q.items {
		out = append(out, cloneNotification(n))
	}
	return out
}

// Subscribe returns a channel receiving every notification enqueued from now on.
func (q *Queue) Subscribe() <-chan Notification {
	ch := make(chan Notification, q.buffer)
	q.mu.Lock()
	q.subs[ch] = struct{}{}
	q.mu.Unlock()
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (q *Queue) Unsubscribe(ch <-chan Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for sub := range q.subs {
		if sub == ch {
			delete(q.subs, sub)
			close(sub)
			return
		}
	}
}

func cloneNotification(n Notification) Notification {
	n.Data = copyData(n.Data)
	return n
}

func copyData(data map[string]string) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// Discard is a Notifier that drops everything.
type Discard struct{}

// Enqueue implements Notifier.
func (Discard) Enqueue(category Category, message string, data map[string]string) Notification {
	return Notification{Category: category, Message: message, Data: data}
}
