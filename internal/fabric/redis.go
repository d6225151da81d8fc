// Package fabric is the group-addressed publish/subscribe layer that
// delivers coordinator events to every connection attached to a thread.
// Events travel through Redis pub/sub so that group members connected to
// other nodes receive them too; each node relays the channels it has
// local subscribers for into per-connection mailboxes.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const mailboxSize = 64

type mailbox struct {
	ch     chan Event
	groups map[string]struct{}
}

type RedisFabric struct {
	client *redis.Client
	pubsub *redis.PubSub
	prefix string

	mu     sync.Mutex
	conns  map[string]*mailbox
	groups map[string]map[string]struct{} // group -> local connection ids

	done chan struct{}
}

// NewRedisFabric connects to Redis and starts the relay loop.
func NewRedisFabric(redisURL string) (*RedisFabric, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisFabricWithClient(client), nil
}

// NewRedisFabricWithClient builds a fabric from an existing Redis client.
func NewRedisFabricWithClient(client *redis.Client) *RedisFabric {
	f := &RedisFabric{
		client: client,
		pubsub: client.Subscribe(context.Background()),
		prefix: "parley:",
		conns:  make(map[string]*mailbox),
		groups: make(map[string]map[string]struct{}),
		done:   make(chan struct{}),
	}
	go f.relay()
	return f
}

func (f *RedisFabric) groupChannel(group string) string {
	return f.prefix + "group:" + group
}

func (f *RedisFabric) connChannel(connectionID string) string {
	return f.prefix + "conn:" + connectionID
}

// Attach registers a connection's mailbox and returns the channel the
// transport drains. Events published to the connection or to any group it
// later subscribes to arrive here. Slow consumers lose events rather than
// block the relay.
func (f *RedisFabric) Attach(connectionID string) (<-chan Event, error) {
	f.mu.Lock()
	if _, exists := f.conns[connectionID]; exists {
		f.mu.Unlock()
		return nil, fmt.Errorf("connection %s already attached", connectionID)
	}
	box := &mailbox{ch: make(chan Event, mailboxSize), groups: make(map[string]struct{})}
	f.conns[connectionID] = box
	f.mu.Unlock()

	if err := f.pubsub.Subscribe(context.Background(), f.connChannel(connectionID)); err != nil {
		f.mu.Lock()
		delete(f.conns, connectionID)
		f.mu.Unlock()
		return nil, fmt.Errorf("subscribe conn channel: %w", err)
	}
	return box.ch, nil
}

// Detach drops the mailbox and all group memberships for a connection.
func (f *RedisFabric) Detach(connectionID string) {
	f.mu.Lock()
	box, exists := f.conns[connectionID]
	if !exists {
		f.mu.Unlock()
		return
	}
	delete(f.conns, connectionID)

	var emptied []string
	for group := range box.groups {
		if members, ok := f.groups[group]; ok {
			delete(members, connectionID)
			if len(members) == 0 {
				delete(f.groups, group)
				emptied = append(emptied, f.groupChannel(group))
			}
		}
	}
	close(box.ch)
	f.mu.Unlock()

	channels := append(emptied, f.connChannel(connectionID))
	if err := f.pubsub.Unsubscribe(context.Background(), channels...); err != nil {
		log.Printf("fabric: unsubscribe on detach %s: %v", connectionID, err)
	}
}

func (f *RedisFabric) Subscribe(connectionID, group string) error {
	f.mu.Lock()
	box, exists := f.conns[connectionID]
	if !exists {
		f.mu.Unlock()
		return fmt.Errorf("connection %s not attached", connectionID)
	}
	box.groups[group] = struct{}{}
	members, ok := f.groups[group]
	if !ok {
		members = make(map[string]struct{})
		f.groups[group] = members
	}
	first := len(members) == 0
	members[connectionID] = struct{}{}
	f.mu.Unlock()

	if first {
		if err := f.pubsub.Subscribe(context.Background(), f.groupChannel(group)); err != nil {
			return fmt.Errorf("subscribe group %s: %w", group, err)
		}
	}
	return nil
}

func (f *RedisFabric) Unsubscribe(connectionID, group string) error {
	f.mu.Lock()
	if box, exists := f.conns[connectionID]; exists {
		delete(box.groups, group)
	}
	last := false
	if members, ok := f.groups[group]; ok {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(f.groups, group)
			last = true
		}
	}
	f.mu.Unlock()

	if last {
		if err := f.pubsub.Unsubscribe(context.Background(), f.groupChannel(group)); err != nil {
			return fmt.Errorf("unsubscribe group %s: %w", group, err)
		}
	}
	return nil
}

// Publish fans an event out to every connection in the group, on every
// node. Delivery is fire-and-forget.
func (f *RedisFabric) Publish(ctx context.Context, group string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := f.client.Publish(ctx, f.groupChannel(group), data).Err(); err != nil {
		return fmt.Errorf("publish to group %s: %w", group, err)
	}
	return nil
}

// PublishToCaller delivers an event to a single connection only.
func (f *RedisFabric) PublishToCaller(ctx context.Context, connectionID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := f.client.Publish(ctx, f.connChannel(connectionID), data).Err(); err != nil {
		return fmt.Errorf("publish to caller %s: %w", connectionID, err)
	}
	return nil
}

// Close stops the relay and closes all mailboxes.
func (f *RedisFabric) Close() error {
	close(f.done)
	err := f.pubsub.Close()

	f.mu.Lock()
	for id, box := range f.conns {
		close(box.ch)
		delete(f.conns, id)
	}
	f.groups = make(map[string]map[string]struct{})
	f.mu.Unlock()
	return err
}

func (f *RedisFabric) relay() {
	for {
		select {
		case <-f.done:
			return
		case msg, ok := <-f.pubsub.Channel():
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("fabric: drop malformed event on %s: %v", msg.Channel, err)
				continue
			}
			f.deliver(msg.Channel, event)
		}
	}
}

func (f *RedisFabric) deliver(channel string, event Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if strings.HasPrefix(channel, f.prefix+"group:") {
		group := strings.TrimPrefix(channel, f.prefix+"group:")
		for connID := range f.groups[group] {
			if box, exists := f.conns[connID]; exists {
				select {
				case box.ch <- event:
				default:
					log.Printf("fabric: mailbox full, dropping %s for %s", event.Name, connID)
				}
			}
		}
		return
	}

	if strings.HasPrefix(channel, f.prefix+"conn:") {
		connID := strings.TrimPrefix(channel, f.prefix+"conn:")
		if box, exists := f.conns[connID]; exists {
			select {
			case box.ch <- event:
			default:
				log.Printf("fabric: mailbox full, dropping %s for %s", event.Name, connID)
			}
		}
	}
}
