// Package subscription tracks the desired channel/product subscription set
// and builds the frames that bring the provider in line with it.
package subscription

import (
	"encoding/json"
	"sort"
	"sync"
)

// Frame is one subscribe or unsubscribe message on the wire. Coinbase
// accepts a single channel per message.
type Frame struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channel    string   `json:"channel"`
	JWT        string   `json:"jwt,omitempty"`
}

// Marshal renders the frame as JSON.
func (f Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// Manager holds the desired subscription state per channel. All methods are
// safe for concurrent use. The manager never talks to the network itself;
// callers send the frames it builds.
type Manager struct {
	mu      sync.Mutex
	desired map[string]map[string]struct{} // channel -> product set
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{desired: make(map[string]map[string]struct{})}
}

// Subscribe adds products to the desired set for each channel and returns
// the products that were actually new per channel. Already-subscribed
// products are skipped, making repeated calls idempotent.
func (m *Manager) Subscribe(channels, products []string) map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	added := make(map[string][]string)
	for _, ch := range channels {
		set, ok := m.desired[ch]
		if !ok {
			set = make(map[string]struct{})
			m.desired[ch] = set
		}
		for _, p := range products {
			if _, dup := set[p]; dup {
				continue
			}
			set[p] = struct{}{}
			added[ch] = append(added[ch], p)
		}
		sort.Strings(added[ch])
	}
	return added
}

// Unsubscribe removes products from the desired set for each channel and
// returns the products that were actually removed per channel.
func (m *Manager) Unsubscribe(channels, products []string) map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := make(map[string][]string)
	for _, ch := range channels {
		set, ok := m.desired[ch]
		if !ok {
			continue
		}
		for _, p := range products {
			if _, present := set[p]; !present {
				continue
			}
			delete(set, p)
			removed[ch] = append(removed[ch], p)
		}
		sort.Strings(removed[ch])
		if len(set) == 0 {
			delete(m.desired, ch)
		}
	}
	return removed
}

// Products returns the sorted desired products for a channel.
func (m *Manager) Products(channel string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.desired[channel])
}

// AllProducts returns the sorted union of desired products across channels.
func (m *Manager) AllProducts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	union := make(map[string]struct{})
	for _, set := range m.desired {
		for p := range set {
			union[p] = struct{}{}
		}
	}
	return sortedKeys(union)
}

// Frames builds one frame per channel from a channel->products map, in
// channel order. Channels with no products are skipped. op is "subscribe"
// or "unsubscribe"; jwt may be empty for unauthenticated channels.
func Frames(op string, perChannel map[string][]string, jwt string) []Frame {
	channels := make([]string, 0, len(perChannel))
	for ch := range perChannel {
		if len(perChannel[ch]) > 0 {
			channels = append(channels, ch)
		}
	}
	sort.Strings(channels)

	frames := make([]Frame, 0, len(channels))
	for _, ch := range channels {
		products := append([]string(nil), perChannel[ch]...)
		sort.Strings(products)
		frames = append(frames, Frame{
			Type:       op,
			ProductIDs: products,
			Channel:    ch,
			JWT:        jwt,
		})
	}
	return frames
}

// ReplayFrames builds subscribe frames for the full desired state. Used
// after a reconnect to restore every subscription.
func (m *Manager) ReplayFrames(jwt string) []Frame {
	m.mu.Lock()
	perChannel := make(map[string][]string, len(m.desired))
	for ch, set := range m.desired {
		perChannel[ch] = sortedKeys(set)
	}
	m.mu.Unlock()

	return Frames("subscribe", perChannel, jwt)
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
