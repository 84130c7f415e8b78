// Package statsd emits job subsystem metrics over UDP in the DogStatsD line format.
package statsd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	dialTimeout = 5 * time.Second
	// errorLogInterval bounds how often a failing UDP endpoint is reported.
	errorLogInterval = 30 * time.Second
)

// Sink describes the minimal interface required to emit StatsD-style metrics.
type Sink interface {
	Count(name string, value int64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Timing(name string, value time.Duration, tags map[string]string)
}

// Config describes how to connect to a StatsD-compatible sink.
type Config struct {
	Enabled    bool
	Address    string
	Prefix     string
	Logger     *slog.Logger
	GlobalTags map[string]string
}

// Client writes one datagram per measurement. It is safe for concurrent use.
type Client struct {
	prefix     string
	globalTags []tag

	logger   *slog.Logger
	errLimit *rate.Limiter

	mu   sync.Mutex
	conn net.Conn
}

var _ Sink = (*Client)(nil)

type tag struct{ key, value string }

// NewClient dials the configured endpoint. A disabled config or empty address
// yields a client that drops every measurement.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		prefix:     strings.Trim(strings.TrimSpace(cfg.Prefix), "."),
		globalTags: normalizeTags(cfg.GlobalTags),
		logger:     logger,
		errLimit:   rate.NewLimiter(rate.Every(errorLogInterval), 1),
	}

	address := strings.TrimSpace(cfg.Address)
	if !cfg.Enabled || address == "" {
		return c, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("statsd dial %s: %w", address, err)
	}
	c.conn = conn
	return c, nil
}

// Enabled reports whether measurements are being sent.
func (c *Client) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Count adds value to a counter.
func (c *Client) Count(name string, value int64, tags map[string]string) {
	c.send(name, strconv.FormatInt(value, 10), "c", tags)
}

// Gauge sets a gauge to value.
func (c *Client) Gauge(name string, value float64, tags map[string]string) {
	c.send(name, strconv.FormatFloat(value, 'f', -1, 64), "g", tags)
}

// Timing records value in milliseconds.
func (c *Client) Timing(name string, value time.Duration, tags map[string]string) {
	ms := float64(value) / float64(time.Millisecond)
	c.send(name, strconv.FormatFloat(ms, 'f', -1, 64), "ms", tags)
}

// Close releases the UDP socket. Later measurements are dropped.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) send(name, value, kind string, tags map[string]string) {
	if c == nil {
		return
	}
	metric := c.metricName(name)
	if metric == "" {
		return
	}
	line := formatLine(metric, value, kind, c.globalTags, tags)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	if _, err := c.conn.Write([]byte(line)); err != nil && c.errLimit.Allow() {
		c.logger.Warn("statsd write failed", "metric", metric, "error", err)
	}
}

func (c *Client) metricName(name string) string {
	n := normalizeMetricName(name)
	switch {
	case n == "":
		return ""
	case c.prefix == "":
		return n
	default:
		return c.prefix + "." + n
	}
}

// normalizeMetricName maps job and target names onto dotted metric segments.
func normalizeMetricName(name string) string {
	n := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', ':', '|', '@', '#':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	for strings.Contains(n, "..") {
		n = strings.ReplaceAll(n, "..", ".")
	}
	return strings.Trim(n, ".")
}

// formatLine renders "metric:value|kind|#k:v,...". Local tags override global
// ones with the same key and keys are sorted.
func formatLine(metric, value, kind string, global []tag, local map[string]string) string {
	var b strings.Builder
	b.WriteString(metric)
	b.WriteByte(':')
	b.WriteString(value)
	b.WriteByte('|')
	b.WriteString(kind)

	merged := mergeTags(global, normalizeTags(local))
	for i, t := range merged {
		if i == 0 {
			b.WriteString("|#")
		} else {
			b.WriteByte(',')
		}
		b.WriteString(t.key)
		b.WriteByte(':')
		b.WriteString(t.value)
	}
	return b.String()
}

func normalizeTags(in map[string]string) []tag {
	out := make([]tag, 0, len(in))
	for k, v := range in {
		if key := sanitizeTag(k); key != "" {
			out = append(out, tag{key: key, value: sanitizeTag(v)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// mergeTags merges two key-sorted slices, preferring local on conflict.
func mergeTags(global, local []tag) []tag {
	if len(global) == 0 {
		return local
	}
	if len(local) == 0 {
		return global
	}
	out := make([]tag, 0, len(global)+len(local))
	i, j := 0, 0
	for i < len(global) && j < len(local) {
		switch {
		case global[i].key < local[j].key:
			out = append(out, global[i])
			i++
		case global[i].key > local[j].key:
			out = append(out, local[j])
			j++
		default:
			out = append(out, local[j])
			i++
			j++
		}
	}
	out = append(out, global[i:]...)
	return append(out, local[j:]...)
}

func sanitizeTag(s string) string {
	return strings.NewReplacer(",", "_", "|", "_", "#", "_").Replace(strings.TrimSpace(s))
}
