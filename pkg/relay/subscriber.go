package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNotConnected is returned when subscribing on an org without connection.
var ErrNotConnected = errors.New("org not connected")

// Subscriber holds one pub/sub connection per org and forwards
// received envelopes to the sink.
type Subscriber struct {
	Log  *zap.Logger
	Sink Sink
	Dial Dialer

	mu   sync.Mutex
	subs map[int64]*subscription
}

type subscription struct {
	orgID    int64
	conn     Conn
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	channels map[string]*channel
}

// channel tracks the local listeners of one pub/sub channel.
type channel struct {
	refs      int
	ready     chan struct{}
	confirmed bool
}

func (s *subscription) confirm(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[name]; ok && !ch.confirmed {
		ch.confirmed = true
		close(ch.ready)
	}
}

func (s *subscription) channelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// NewSubscriber creates a subscriber without connections.
func NewSubscriber(log *zap.Logger, sink Sink, dial Dialer) *Subscriber {
	return &Subscriber{
		Log:  log,
		Sink: sink,
		Dial: dial,
		subs: make(map[int64]*subscription),
	}
}

// ConnectAll connects every org concurrently.
func (s *Subscriber) ConnectAll(ctx context.Context, orgIDs []int64) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, orgID := range orgIDs {
		orgID := orgID
		group.Go(func() error {
			return s.Connect(ctx, orgID)
		})
	}
	return group.Wait()
}

// Connect opens the connection of an org. No-op if already connected.
func (s *Subscriber) Connect(ctx context.Context, orgID int64) error {
	if s.connected(orgID) {
		return nil
	}
	conn, err := s.Dial(ctx, orgID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[orgID]; ok {
		// Lost a race against a concurrent Connect.
		return conn.Close()
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		orgID:    orgID,
		conn:     conn,
		cancel:   cancel,
		done:     make(chan struct{}),
		channels: make(map[string]*channel),
	}
	s.subs[orgID] = sub
	s.Log.Info("Relay subscriber connected", zap.Int64("org", orgID))
	go s.receiveLoop(loopCtx, sub)
	return nil
}

func (s *Subscriber) connected(orgID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[orgID]
	return ok
}

// Subscribe subscribes the connection of orgID to channel and returns
// once the server confirmed the subscription.
// Calls are reference counted: repeated calls for the same pair reach the
// transport once, and each call is paired with an Unsubscribe.
func (s *Subscriber) Subscribe(ctx context.Context, channelName string, orgID int64) error {
	sub, err := s.subscription(orgID)
	if err != nil {
		return err
	}
	sub.mu.Lock()
	ch, ok := sub.channels[channelName]
	if ok {
		ch.refs++
	} else {
		if err := sub.conn.Subscribe(ctx, channelName); err != nil {
			sub.mu.Unlock()
			return fmt.Errorf("org %d: failed to subscribe %s: %w", orgID, channelName, err)
		}
		ch = &channel{refs: 1, ready: make(chan struct{})}
		sub.channels[channelName] = ch
	}
	sub.mu.Unlock()

	select {
	case <-ch.ready:
		return nil
	case <-ctx.Done():
		if err := s.Unsubscribe(context.Background(), channelName, orgID); err != nil {
			s.Log.Warn("Failed to release relay channel", zap.Int64("org", orgID), zap.Error(err))
		}
		return fmt.Errorf("org %d: subscription to %s not confirmed: %w", orgID, channelName, ctx.Err())
	}
}

// Unsubscribe releases one Subscribe call. The transport is unsubscribed
// when the last listener of the channel is gone.
func (s *Subscriber) Unsubscribe(ctx context.Context, channelName string, orgID int64) error {
	sub, err := s.subscription(orgID)
	if err != nil {
		return err
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	ch, ok := sub.channels[channelName]
	if !ok {
		return nil
	}
	if ch.refs--; ch.refs > 0 {
		return nil
	}
	delete(sub.channels, channelName)
	if err := sub.conn.Unsubscribe(ctx, channelName); err != nil {
		return fmt.Errorf("org %d: failed to unsubscribe %s: %w", orgID, channelName, err)
	}
	return nil
}

func (s *Subscriber) subscription(orgID int64) (*subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[orgID]
	if !ok {
		return nil, fmt.Errorf("org %d: %w", orgID, ErrNotConnected)
	}
	return sub, nil
}

// SubscribeAll subscribes every connected org to channel.
func (s *Subscriber) SubscribeAll(ctx context.Context, channelName string) error {
	var err error
	for _, orgID := range s.OrgIDs() {
		err = multierr.Append(err, s.Subscribe(ctx, channelName, orgID))
	}
	return err
}

// UnsubscribeAll releases a SubscribeAll call.
func (s *Subscriber) UnsubscribeAll(ctx context.Context, channelName string) error {
	var err error
	for _, orgID := range s.OrgIDs() {
		err = multierr.Append(err, s.Unsubscribe(ctx, channelName, orgID))
	}
	return err
}

// OrgIDs returns the connected orgs in ascending order.
func (s *Subscriber) OrgIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Channels returns the channels an org is subscribed to.
func (s *Subscriber) Channels(orgID int64) []string {
	s.mu.Lock()
	sub, ok := s.subs[orgID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	channels := make([]string, 0, len(sub.channels))
	for ch := range sub.channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return channels
}

// Dispatch decodes one payload and forwards it to the sink.
// Malformed payloads, unknown event types and sink panics are logged and dropped.
func (s *Subscriber) Dispatch(orgID int64, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.Log.Warn("Dropping malformed relay message",
			zap.Int64("org", orgID), zap.Error(err))
		return
	}
	fn, ok := dispatchTable[env.EventType]
	if !ok {
		s.Log.Debug("Dropping unknown relay event",
			zap.Int64("org", orgID), zap.String("event", env.EventType))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.Log.Error("Relay sink panicked",
				zap.Int64("org", orgID),
				zap.String("event", env.EventType),
				zap.String("chat", env.ChatID),
				zap.Any("panic", r))
		}
	}()
	fn(s.Sink, &env)
}

func (s *Subscriber) receiveLoop(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	log := s.Log.With(zap.Int64("org", sub.orgID))
	for {
		msg, err := sub.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				log.Info("Relay subscriber closed")
				return
			}
			log.Error("Relay subscriber error",
				zap.Int("channels", sub.channelCount()), zap.Error(err))
			// Reconnection is up to the client, avoid spinning meanwhile.
			select {
			case <-ctx.Done():
				log.Info("Relay subscriber closed")
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			log.Debug("Relay subscription changed",
				zap.String("kind", m.Kind), zap.String("channel", m.Channel), zap.Int("count", m.Count))
			if m.Kind == "subscribe" {
				sub.confirm(m.Channel)
			}
		case *redis.Message:
			s.Dispatch(sub.orgID, []byte(m.Payload))
		}
	}
}

// DisconnectAll closes every connection independently.
// All closes are attempted regardless of individual failures; the failures are combined.
func (s *Subscriber) DisconnectAll(ctx context.Context) error {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[int64]*subscription)
	s.mu.Unlock()

	errs := make(chan error, len(subs))
	for _, sub := range subs {
		sub := sub
		go func() {
			sub.cancel()
			err := sub.conn.Close()
			if err != nil {
				s.Log.Warn("Failed to close relay subscriber", zap.Int64("org", sub.orgID), zap.Error(err))
				err = fmt.Errorf("org %d: %w", sub.orgID, err)
			}
			select {
			case <-sub.done:
			case <-ctx.Done():
				err = multierr.Append(err, fmt.Errorf("org %d: %w", sub.orgID, ctx.Err()))
			}
			errs <- err
		}()
	}
	var err error
	for range subs {
		err = multierr.Append(err, <-errs)
	}
	return err
}
