// Package bus is the in-process fan-out point between the queue and
// transfer transitions and the dashboards streaming them. Delivery is
// at most once: a subscriber gets an event only if it was registered
// when Publish ran, and nothing is replayed on reconnect.
package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	ChannelQueue     = "queue"
	ChannelTransfers = "transfers"
)

const sendBuffer = 16

type Client struct {
	ID   string
	Send chan []byte
}

type Bus struct {
	mu        sync.Mutex
	channels  map[string]map[*Client]struct{}
	published map[string]int64
	accepted  int64
	closed    int64
	started   time.Time
}

func New() *Bus {
	return &Bus{
		channels:  make(map[string]map[*Client]struct{}),
		published: make(map[string]int64),
		started:   time.Now(),
	}
}

func (b *Bus) Subscribe(channel string) *Client {
	client := &Client{ID: uuid.NewString(), Send: make(chan []byte, sendBuffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.channels[channel]
	if !ok {
		set = make(map[*Client]struct{})
		b.channels[channel] = set
	}
	set[client] = struct{}{}
	b.accepted++
	return client
}

func (b *Bus) Unsubscribe(channel string, client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.channels[channel]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	close(client.Send)
	b.closed++
}

// Publish serializes the payload once and hands the same frame to every
// subscriber on the channel. A full send buffer means the client is too
// slow; the frame is dropped for that client and the loop continues, so
// one dead or stalled connection never starves the rest.
func (b *Bus) Publish(channel, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("event marshal error on %s/%s: %v", channel, event, err)
		return
	}
	frame := Frame(event, data)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel]++
	for client := range b.channels[channel] {
		select {
		case client.Send <- frame:
		default:
			log.Printf("drop %s event for client %s", channel, client.ID)
		}
	}
}

// Frame renders one SSE frame: event name line, data line, blank line.
func Frame(event string, data []byte) []byte {
	frame := make([]byte, 0, len(event)+len(data)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, event...)
	frame = append(frame, '\n')
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame
}

func (b *Bus) ChannelSize(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[channel])
}

type Metrics struct {
	Connections   map[string]int   `json:"connections"`
	Events        map[string]int64 `json:"events"`
	Totals        Totals           `json:"totals"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

type Totals struct {
	Accepted int64 `json:"accepted"`
	Closed   int64 `json:"closed"`
}

func (b *Bus) Snapshot() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := Metrics{
		Connections:   make(map[string]int),
		Events:        make(map[string]int64),
		Totals:        Totals{Accepted: b.accepted, Closed: b.closed},
		UptimeSeconds: int64(time.Since(b.started).Seconds()),
	}
	for name, set := range b.channels {
		m.Connections[name] = len(set)
	}
	for name, count := range b.published {
		m.Events[name] = count
	}
	return m
}

// RenderText emits the metrics in a scrape-friendly plaintext format.
func (b *Bus) RenderText() string {
	m := b.Snapshot()

	var out []string
	out = append(out,
		"# HELP sse_channel_connections Active connections per SSE channel",
		"# TYPE sse_channel_connections gauge",
	)
	for _, name := range sortedKeys(m.Connections) {
		out = append(out, fmt.Sprintf("sse_channel_connections{channel=%q} %d", name, m.Connections[name]))
	}
	out = append(out,
		"# HELP sse_events_total Events published per channel",
		"# TYPE sse_events_total counter",
	)
	names := make([]string, 0, len(m.Events))
	for name := range m.Events {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, fmt.Sprintf("sse_events_total{channel=%q} %d", name, m.Events[name]))
	}
	out = append(out,
		"# HELP sse_connections_accepted_total Accepted SSE connections",
		"# TYPE sse_connections_accepted_total counter",
		fmt.Sprintf("sse_connections_accepted_total %d", m.Totals.Accepted),
		"# HELP sse_connections_closed_total Closed SSE connections",
		"# TYPE sse_connections_closed_total counter",
		fmt.Sprintf("sse_connections_closed_total %d", m.Totals.Closed),
		"# HELP process_uptime_seconds Process uptime in seconds",
		"# TYPE process_uptime_seconds gauge",
		fmt.Sprintf("process_uptime_seconds %d", m.UptimeSeconds),
	)

	text := ""
	for _, line := range out {
		text += line + "\n"
	}
	return text
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
