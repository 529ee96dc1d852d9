package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mworlabs/lotteryd/logger"
)

// Confirmation is pushed by the ledger's websocket feed when a submitted
// transaction reaches finality.
type Confirmation struct {
	TxHash string `json:"tx_hash"`
	Slot   uint64 `json:"slot"`
	Err    string `json:"err,omitempty"`
}

// Subscriber maintains the websocket subscription to the ledger's
// signature feed. Confirmations are delivered on a channel; the
// connection is re-dialed with backoff on failure.
type Subscriber struct {
	endpoint  string
	out       chan Confirmation
	closeOnce sync.Once
	closeChan chan struct{}
}

func NewSubscriber(endpoint string) *Subscriber {
	return &Subscriber{
		endpoint:  endpoint,
		out:       make(chan Confirmation, 256),
		closeChan: make(chan struct{}),
	}
}

// Confirmations returns the delivery channel. Closed when the subscriber
// stops.
func (s *Subscriber) Confirmations() <-chan Confirmation {
	return s.out
}

// Run dials the feed and pumps confirmations until Close or ctx cancel.
func (s *Subscriber) Run(ctx context.Context) {
	defer close(s.out)

	backoff := time.Second
	for {
		select {
		case <-s.closeChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.endpoint, nil)
		if err != nil {
			logger.Log.Warnf("ledger ws dial failed: %v, retrying in %v", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-s.closeChan:
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		s.pump(ctx, conn)
		conn.Close()
	}
}

func (s *Subscriber) pump(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage when the subscriber is asked to stop.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.closeChan:
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Log.Warnf("ledger ws read failed: %v", err)
			return
		}

		var conf Confirmation
		if err := json.Unmarshal(data, &conf); err != nil {
			logger.Log.Warnf("ledger ws bad payload: %v", err)
			continue
		}

		select {
		case s.out <- conf:
		default:
			// Slow consumer; drop the oldest to keep the feed moving.
			select {
			case <-s.out:
			default:
			}
			s.out <- conf
		}
	}
}

// Close stops the subscriber.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() { close(s.closeChan) })
}
