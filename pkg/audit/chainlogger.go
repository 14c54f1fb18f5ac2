package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// GenesisHash is the previous hash of the first entry in any chain.
var GenesisHash = strings.Repeat("0", 64)

// Seal computes the chain hash of payload recorded at ts after prevHash.
func Seal(prevHash string, ts time.Time, payload string) string {
	hashInput := fmt.Sprintf("%s|%s|%s", prevHash, ts.UTC().Format(time.RFC3339Nano), payload)
	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// LogEntry represents a single audit log entry
type LogEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	PreviousHash string    `json:"previous_hash"`
	Payload      string    `json:"payload"`
	Hash         string    `json:"hash"`
}

// ChainLogger keeps an in-process hash chain of operator and request
// activity. Ledger entries are chained per order with Seal directly.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	entries      []*LogEntry
	limit        int
	now          func() time.Time
	sink         io.Writer
	sinkErrors   int
}

// NewChainLogger creates a ChainLogger retaining at most limit entries in
// memory. A limit of zero keeps every entry.
func NewChainLogger(limit int) *ChainLogger {
	return &ChainLogger{
		previousHash: GenesisHash,
		limit:        limit,
		now:          time.Now,
	}
}

// Append adds a new log entry to the chain.
func (c *ChainLogger) Append(payload string) *LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &LogEntry{
		Timestamp:    c.now().UTC(),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = Seal(entry.PreviousHash, entry.Timestamp, entry.Payload)

	c.previousHash = entry.Hash
	if c.sink != nil {
		if err := json.NewEncoder(c.sink).Encode(entry); err != nil {
			c.sinkErrors++
		}
	}
	c.entries = append(c.entries, entry)
	if c.limit > 0 && len(c.entries) > c.limit {
		c.entries = c.entries[len(c.entries)-c.limit:]
	}
	return entry
}

// WithSink writes every appended entry to w as one JSON line. Passing the
// previous file's last entry as resume continues that chain.
func (c *ChainLogger) WithSink(w io.Writer, resume *LogEntry) *ChainLogger {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = w
	if resume != nil {
		c.previousHash = resume.Hash
	}
	return c
}

// SinkErrors counts entries that could not be written to the sink.
func (c *ChainLogger) SinkErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sinkErrors
}

// ReadEntries decodes a JSON-lines audit file.
func ReadEntries(r io.Reader) ([]*LogEntry, error) {
	var out []*LogEntry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("audit line %d: %w", line, err)
		}
		out = append(out, &e)
	}
	return out, sc.Err()
}

// Entries returns a copy of the retained entries, oldest first.
func (c *ChainLogger) Entries() []*LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*LogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Head returns the hash of the latest entry.
func (c *ChainLogger) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previousHash
}

// VerifyChain checks if a slice of entries forms a valid hash chain. The
// first entry's previous hash is trusted so truncated windows still verify.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		prevHash := entry.PreviousHash
		if i > 0 {
			prevHash = entries[i-1].Hash
			if entry.PreviousHash != prevHash {
				return false
			}
		}
		if Seal(prevHash, entry.Timestamp, entry.Payload) != entry.Hash {
			return false
		}
	}
	return true
}
