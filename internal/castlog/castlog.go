// Package castlog implements the durable append-only per-session
// recording in Asciinema v2 format: offset accounting, clear-sequence
// pruning, live tailing, and a rolling size guard.
package castlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"vtmux/internal/vterrors"
)

// Header is line 1 of the cast log: the Asciinema v2 recording header.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Command   string            `json:"command"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Kind tags a cast log event line.
type Kind string

const (
	KindOutput Kind = "o"
	KindInput  Kind = "i"
	KindResize Kind = "r"
)

// Config bounds CastLog's resource usage.
type Config struct {
	// RingSize is the in-memory live-tail staging buffer size in bytes.
	RingSize int
	// MaxFileSize triggers the rolling-truncate strategy once exceeded.
	MaxFileSize int64
	// WriteQueueSize bounds the pending-append channel.
	WriteQueueSize int
	// MaxWriteRetries bounds exponential backoff before a session is
	// marked failed.
	MaxWriteRetries int
}

// DefaultConfig returns sane defaults for the write queue and retry budget.
func DefaultConfig() Config {
	return Config{
		RingSize:        1 << 20, // 1 MiB
		MaxFileSize:     256 << 20,
		WriteQueueSize:  1024,
		MaxWriteRetries: 5,
	}
}

// FailFunc is invoked once write retries are exhausted; the caller
// (internal/engine) emits EVENT{exit, code=SIGIO} and destroys the
// session.
type FailFunc func(err error)

// CastLog is the single writer of one session's cast log file. At most
// one CastLog instance may be open on a given path at a time (spec's
// "at most one writer appends... at any time" invariant); callers are
// responsible for not constructing two.
type CastLog struct {
	path   string
	logger *slog.Logger
	cfg    Config
	onFail FailFunc

	mu              sync.Mutex
	file            *os.File
	header          Header
	offset          int64 // absolute logical byte offset, survives rolling truncation
	baseOffset      int64 // offset subtracted by the last rolling truncation
	lastClearOffset int64
	closed          bool

	ring        *ringBuffer
	subscribers map[int]chan []byte
	nextSubID   int

	writeCh chan []byte
	flushWG sync.WaitGroup
	start   time.Time
}

// Open creates (or truncates) the cast log at path and writes its
// Asciinema v2 header line.
func Open(path string, header Header, cfg Config, logger *slog.Logger, onFail FailFunc) (*CastLog, error) {
	if header.Version == 0 {
		header.Version = 2
	}
	if header.Timestamp == 0 {
		header.Timestamp = time.Now().Unix()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, vterrors.Wrap(vterrors.CastIO, "castlog.Open", err)
	}

	headerLine, err := json.Marshal(header)
	if err != nil {
		f.Close()
		return nil, vterrors.Wrap(vterrors.CastIO, "castlog.Open: marshal header", err)
	}
	headerLine = append(headerLine, '\n')
	if _, err := f.Write(headerLine); err != nil {
		f.Close()
		return nil, vterrors.Wrap(vterrors.CastIO, "castlog.Open: write header", err)
	}

	cl := &CastLog{
		path:        path,
		logger:      logger,
		cfg:         cfg,
		onFail:      onFail,
		file:        f,
		header:      header,
		offset:      int64(len(headerLine)),
		ring:        newRingBuffer(cfg.RingSize),
		subscribers: make(map[int]chan []byte),
		writeCh:     make(chan []byte, cfg.WriteQueueSize),
		start:       time.Now(),
	}

	cl.flushWG.Add(1)
	go cl.writeLoop()

	return cl, nil
}

// AppendOutput records a stdout chunk, updates lastClearOffset if a
// clear sequence is found in it, and fans it out to live tail
// subscribers. Never blocks the caller on disk I/O: the line is queued.
func (c *CastLog) AppendOutput(data []byte) {
	c.appendEvent(KindOutput, data)

	c.mu.Lock()
	// lastClearOffset is computed against the *raw byte stream* offset
	// (the same coordinate space CastLog hands out via Offset and
	// TailBuffered), not the
	// JSON-encoded line, since replay starts at a byte offset into that
	// raw stream reconstructed by concatenating "o" event payloads.
	rawOffset := c.ring.writePos
	if idx := lastClearIndex(data); idx >= 0 {
		c.lastClearOffset = rawOffset + int64(idx)
	}
	c.ring.Write(data)
	c.offset += int64(len(data))
	c.mu.Unlock()

	c.broadcast(data)
}

// AppendInput records an input ("i") event; input bytes are not part of
// the raw replay stream and are not scanned for clear sequences.
func (c *CastLog) AppendInput(data []byte) {
	c.appendEvent(KindInput, data)
}

// AppendResize records a resize ("r") event as "<cols>x<rows>".
func (c *CastLog) AppendResize(cols, rows int) {
	c.appendEvent(KindResize, []byte(fmt.Sprintf("%dx%d", cols, rows)))
}

// AppendExit writes the terminating sentinel line and stops accepting
// further writes.
func (c *CastLog) AppendExit(code int, sessionID string) {
	line, err := json.Marshal([]any{"exit", code, sessionID})
	if err != nil {
		c.logger.Error("castlog: marshal exit sentinel", "error", err)
		return
	}
	line = append(line, '\n')
	c.enqueue(line)
}

func (c *CastLog) appendEvent(kind Kind, data []byte) {
	t := time.Since(c.start).Seconds()
	line, err := json.Marshal([]any{roundMicros(t), string(kind), string(data)})
	if err != nil {
		c.logger.Error("castlog: marshal event", "error", err, "kind", kind)
		return
	}
	line = append(line, '\n')
	c.enqueue(line)
}

func roundMicros(t float64) float64 {
	const micro = 1e-6
	return float64(int64(t/micro)) * micro
}

func (c *CastLog) enqueue(line []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.writeCh <- line:
	default:
		c.logger.Warn("castlog: write queue full, applying backpressure")
		c.writeCh <- line // blocks until the writer frees a slot; PtySession's readLoop stalls for as long as this blocks
	}
}

// writeLoop is the single writer draining queued lines into the file.
func (c *CastLog) writeLoop() {
	defer c.flushWG.Done()

	retries := 0
	for line := range c.writeCh {
		if err := c.writeWithRetry(line, &retries); err != nil {
			c.logger.Error("castlog: write failed permanently, marking session failed", "error", err)
			if c.onFail != nil {
				c.onFail(vterrors.Wrap(vterrors.CastIO, "castlog.writeLoop", err))
			}
			c.checkRollover()
			continue
		}
		retries = 0
		c.checkRollover()
	}
}

func (c *CastLog) writeWithRetry(line []byte, retries *int) error {
	backoff := 10 * time.Millisecond
	for {
		c.mu.Lock()
		f := c.file
		c.mu.Unlock()
		if f == nil {
			return fmt.Errorf("castlog: file not open")
		}
		_, err := f.Write(line)
		if err == nil {
			return nil
		}
		*retries++
		if *retries > c.cfg.MaxWriteRetries {
			return err
		}
		c.logger.Warn("castlog: write error, retrying", "error", err, "attempt", *retries)
		time.Sleep(backoff)
		backoff *= 2
	}
}

// checkRollover enforces the size guard: once the file
// exceeds MaxFileSize, truncate the prefix up to lastClearOffset and
// rewrite the file as the original header plus one "o" line holding the
// kept bytes. The base offset of the kept bytes is held in memory
// (baseOffset) and is not written to the file; consumer-visible offsets
// stay absolute even though the file shrinks.
func (c *CastLog) checkRollover() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.MaxFileSize <= 0 || c.closed {
		return
	}
	info, err := c.file.Stat()
	if err != nil || info.Size() < c.cfg.MaxFileSize {
		return
	}
	if c.lastClearOffset <= c.baseOffset {
		return // nothing safe to drop yet
	}
	c.rollLocked()
}

func (c *CastLog) rollLocked() {
	// Re-derive the raw tail from the in-memory ring starting at
	// lastClearOffset, since that's the portion we intend to keep, and
	// rewrite the file as header + a fresh "o" line carrying that tail.
	keepFrom := c.lastClearOffset
	if oldest := c.ring.oldestOffset(); keepFrom < oldest {
		// ring no longer holds the bytes at keepFrom; fall back to
		// whatever the ring still has.
		keepFrom = oldest
	}

	buf := make([]byte, c.ring.writePos-keepFrom)
	n, _, err := c.ring.ReadFrom(keepFrom, buf)
	if err != nil {
		c.logger.Error("castlog: rollover read failed", "error", err)
		return
	}
	buf = buf[:n]

	newPath := c.path + ".tmp"
	f, err := os.OpenFile(newPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		c.logger.Error("castlog: rollover create failed", "error", err)
		return
	}

	header := c.header
	headerLine, _ := json.Marshal(header)
	headerLine = append(headerLine, '\n')
	if _, err := f.Write(headerLine); err != nil {
		f.Close()
		c.logger.Error("castlog: rollover header write failed", "error", err)
		return
	}

	line, _ := json.Marshal([]any{0, string(KindOutput), string(buf)})
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		f.Close()
		c.logger.Error("castlog: rollover body write failed", "error", err)
		return
	}

	c.file.Close()
	os.Rename(newPath, c.path)
	c.file = f
	c.baseOffset = keepFrom
	c.logger.Info("castlog: rolled over", "kept_from", keepFrom)
}

// LastClearOffset returns the byte offset of the most recent clear
// sequence seen in the raw output stream.
func (c *CastLog) LastClearOffset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastClearOffset
}

// Offset returns the current logical end-of-stream offset.
func (c *CastLog) Offset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.writePos
}

// ReattachOffset computes the canonical offset to resume replay from:
// max(fromOffset, lastClearOffset).
func (c *CastLog) ReattachOffset(fromOffset int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fromOffset < c.lastClearOffset {
		return c.lastClearOffset
	}
	return fromOffset
}

// Subscribe registers a live-tail channel that receives every future
// AppendOutput chunk. The caller must eventually call the returned
// cancel function.
func (c *CastLog) Subscribe() (ch <-chan []byte, cancel func()) {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	out := make(chan []byte, 256)
	c.subscribers[id] = out
	c.mu.Unlock()

	return out, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
	}
}

func (c *CastLog) broadcast(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subscribers {
		select {
		case ch <- data:
		default:
			c.logger.Warn("castlog: tail subscriber slow, dropping", "subscriber", id)
		}
	}
}

// TailBuffered returns whatever recent bytes the in-memory ring still
// holds starting at offset, or ErrOverwritten-style fast-forward info if
// offset has already fallen out of the ring (the caller should read the
// rest from the file on disk).
func (c *CastLog) TailBuffered(offset int64) ([]byte, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, c.ring.writePos-offset)
	if len(buf) <= 0 {
		return nil, offset
	}
	n, next, err := c.ring.ReadFrom(offset, buf)
	if err != nil {
		return nil, next
	}
	return buf[:n], next
}

// Close flushes pending writes and fsyncs the file (durability floor:
// "survives normal process exit").
func (c *CastLog) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.writeCh)
	c.flushWG.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	if err := c.file.Sync(); err != nil {
		c.logger.Warn("castlog: fsync on close failed", "error", err)
	}
	return c.file.Close()
}

// lastClearIndex returns the byte index within data of the start of the
// last clear-screen sequence (ESC[2J, optionally preceded by ESC[H), or
// -1 if none is present. Matchesglossary definition.
func lastClearIndex(data []byte) int {
	const clear = "\x1b[2J"
	const homeClear = "\x1b[H\x1b[2J"

	best := -1
	if idx := lastIndex(data, []byte(homeClear)); idx >= 0 {
		best = idx
	}
	if idx := lastIndex(data, []byte(clear)); idx >= 0 {
		// Prefer the plain ESC[2J anchor itself (the replay anchor is the
		// clear, not the optional preceding home); if a homeClear match
		// started earlier, its ESC[2J suffix offset is still >= idx here
		// only when they don't overlap — keep whichever is later in the
		// stream.
		clearIdx := idx
		if best < 0 || clearIdx > best {
			best = clearIdx
		}
	}
	return best
}

func lastIndex(data, sep []byte) int {
	return bytes.LastIndex(data, sep)
}
