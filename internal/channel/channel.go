// Package channel groups live connections under names and delivers
// messages to a whole group or to a single token.
//
// A channel maps each token to at most one connection; a later Join for the
// same token replaces the earlier connection in place. Channels are created
// lazily and removed once their last member leaves. Broadcast order within a
// channel is join order.
package channel

import (
	"errors"
	"sync"

	"github.com/nerrad567/jukebox-core/internal/fanout"
)

// ErrConnectionDead is recorded for members whose transport is no longer open.
var ErrConnectionDead = errors.New("channel: connection not open")

// Conn is an addressable live transport endpoint.
type Conn interface {
	ID() string
	Send(data []byte) error
	IsOpen() bool
}

// Channel is a named set of (token, Conn) pairs.
type Channel struct {
	name    string
	order   []string
	members map[string]Conn
}

func newChannel(name string) *Channel {
	return &Channel{name: name, members: make(map[string]Conn)}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// put maps token to conn and returns the connection it replaced, if any.
func (c *Channel) put(token string, conn Conn) Conn {
	prev, ok := c.members[token]
	if !ok {
		c.order = append(c.order, token)
	}
	c.members[token] = conn
	return prev
}

func (c *Channel) remove(token string) {
	if _, ok := c.members[token]; !ok {
		return
	}
	delete(c.members, token)
	for i, t := range c.order {
		if t == token {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

type member struct {
	token string
	conn  Conn
}

func (c *Channel) snapshot(exclude string) []member {
	out := make([]member, 0, len(c.order))
	for _, t := range c.order {
		if t == exclude {
			continue
		}
		out = append(out, member{token: t, conn: c.members[t]})
	}
	return out
}

// Registry owns all channels and the reverse index token -> channel names.
// It is safe for concurrent use. Sends happen outside the registry lock.
type Registry struct {
	mu          sync.RWMutex
	channels    map[string]*Channel
	memberships map[string][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		channels:    make(map[string]*Channel),
		memberships: make(map[string][]string),
	}
}

// CreateChannel returns the named channel, creating it if needed.
func (r *Registry) CreateChannel(name string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channelLocked(name)
}

func (r *Registry) channelLocked(name string) *Channel {
	ch, ok := r.channels[name]
	if !ok {
		ch = newChannel(name)
		r.channels[name] = ch
	}
	return ch
}

// Join maps token to conn in the named channel, replacing any earlier
// connection for the same token. The replaced connection is returned so the
// caller can close it; lookup and replace happen under one lock.
func (r *Registry) Join(channel, token string, conn Conn) (previous Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous = r.channelLocked(channel).put(token, conn)

	for _, name := range r.memberships[token] {
		if name == channel {
			return previous
		}
	}
	r.memberships[token] = append(r.memberships[token], channel)
	return previous
}

// Leave removes token from the named channel. An emptied channel is deleted.
func (r *Registry) Leave(channel, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(channel, token)
}

func (r *Registry) leaveLocked(channel, token string) {
	if ch, ok := r.channels[channel]; ok {
		ch.remove(token)
		if len(ch.members) == 0 {
			delete(r.channels, channel)
		}
	}

	names := r.memberships[token]
	for i, name := range names {
		if name == channel {
			names = append(names[:i], names[i+1:]...)
			break
		}
	}
	if len(names) == 0 {
		delete(r.memberships, token)
	} else {
		r.memberships[token] = names
	}
}

// LeaveAll removes token from every channel where it is still mapped to
// conn. Memberships already taken over by a newer connection are kept.
// It returns the number of channels left.
func (r *Registry) LeaveAll(token string, conn Conn) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := append([]string(nil), r.memberships[token]...)
	left := 0
	for _, name := range names {
		ch, ok := r.channels[name]
		if !ok {
			continue
		}
		if current, ok := ch.members[token]; ok && current.ID() == conn.ID() {
			r.leaveLocked(name, token)
			left++
		}
	}
	return left
}

// Broadcast sends data to every member of channel except excludeToken.
// Members whose connection is not open are skipped and recorded with
// ErrConnectionDead; no failure stops delivery to the rest.
func (r *Registry) Broadcast(channel string, data []byte, excludeToken string) fanout.Results {
	r.mu.RLock()
	ch, ok := r.channels[channel]
	var members []member
	if ok {
		members = ch.snapshot(excludeToken)
	}
	r.mu.RUnlock()

	results := make(fanout.Results, len(members))
	for i, m := range members {
		results[i].Target = m.token
		if !m.conn.IsOpen() {
			results[i].Err = ErrConnectionDead
			continue
		}
		results[i].Err = m.conn.Send(data)
	}
	return results
}

// Unicast delivers data to token through the first of its channels whose
// connection accepts the write.
func (r *Registry) Unicast(token string, data []byte) bool {
	r.mu.RLock()
	var conns []Conn
	for _, name := range r.memberships[token] {
		if ch, ok := r.channels[name]; ok {
			if conn, ok := ch.members[token]; ok {
				conns = append(conns, conn)
			}
		}
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		if !conn.IsOpen() {
			continue
		}
		if err := conn.Send(data); err == nil {
			return true
		}
	}
	return false
}

// Lookup returns the connection mapped to token in channel.
func (r *Registry) Lookup(channel, token string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channel]
	if !ok {
		return nil, false
	}
	conn, ok := ch.members[token]
	return conn, ok
}

// Members returns the tokens in channel, in join order.
func (r *Registry) Members(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channel]
	if !ok {
		return nil
	}
	return append([]string(nil), ch.order...)
}

// Channels returns the channel names token belongs to.
func (r *Registry) Channels(token string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.memberships[token]...)
}

// Exists reports whether a channel with the given name exists.
func (r *Registry) Exists(channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[channel]
	return ok
}
