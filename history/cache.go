package history

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxsignals/copier/logging"
)

// Retention is how long cached order sets survive before the sweep drops
// them. Pending orders older than this are stale by any measure.
const Retention = 48 * time.Hour

// CachedOrders is the persisted record of the orders placed for one channel
// message, enough to act on a later management command after a restart.
type CachedOrders struct {
	Orders      []string  `json:"orders"`
	TakeProfits []float64 `json:"take_profits"`
	Instrument  string    `json:"instrument"`
	EntryPrice  float64   `json:"entry_price"`
	StopLoss    float64   `json:"stop_loss"`
	Timestamp   time.Time `json:"timestamp"`
}

// Cache maps message IDs to the orders placed for them, backed by a JSON
// file. Safe for concurrent use.
type Cache struct {
	path string
	log  *logging.Logger

	mu      sync.Mutex
	entries map[string]CachedOrders
}

// OpenCache loads the cache file, starting fresh when it is missing or
// unreadable. Entries past the retention window are swept on load.
func OpenCache(path string, log *logging.Logger) (*Cache, error) {
	if log == nil {
		log = logging.Discard()
	}
	c := &Cache{
		path:    path,
		log:     log,
		entries: make(map[string]CachedOrders),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read order cache: %w", err)
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		log.Warnf("order cache %s is corrupt, starting fresh: %v", path, err)
		c.entries = make(map[string]CachedOrders)
	}
	if err := c.Sweep(); err != nil {
		log.Warnf("order cache %s: sweep on load failed: %v", path, err)
	}
	return c, nil
}

// Store records the orders placed for a message and persists immediately.
func (c *Cache) Store(messageID string, e CachedOrders) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[messageID] = e
	return c.saveLocked()
}

// Get returns the cached orders for a message ID.
func (c *Cache) Get(messageID string) (CachedOrders, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[messageID]
	return e, ok
}

// TakeProfitFor returns the take-profit attached to one of a message's
// orders, matched by position in the stored order list.
func (c *Cache) TakeProfitFor(messageID, orderID string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[messageID]
	if !ok {
		return 0, false
	}
	for i, oid := range e.Orders {
		if oid == orderID && i < len(e.TakeProfits) {
			return e.TakeProfits[i], true
		}
	}
	return 0, false
}

// RemoveOrder drops a single order from a message's entry, keeping its
// take-profit list aligned. The entry itself is removed once empty.
func (c *Cache) RemoveOrder(messageID, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[messageID]
	if !ok {
		return nil
	}
	for i, oid := range e.Orders {
		if oid != orderID {
			continue
		}
		e.Orders = append(e.Orders[:i], e.Orders[i+1:]...)
		if i < len(e.TakeProfits) {
			e.TakeProfits = append(e.TakeProfits[:i], e.TakeProfits[i+1:]...)
		}
		break
	}
	if len(e.Orders) == 0 {
		delete(c.entries, messageID)
	} else {
		c.entries[messageID] = e
	}
	return c.saveLocked()
}

// RemoveMessage drops a message's entire entry.
func (c *Cache) RemoveMessage(messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[messageID]; !ok {
		return nil
	}
	delete(c.entries, messageID)
	return c.saveLocked()
}

// Sweep removes entries older than the retention window and persists if
// anything was dropped.
func (c *Cache) Sweep() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-Retention)
	removed := 0
	for id, e := range c.entries {
		if e.Timestamp.Before(cutoff) {
			delete(c.entries, id)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	c.log.Infof("order cache: swept %d stale entries", removed)
	return c.saveLocked()
}

// Len reports the number of cached messages.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// FindByContent looks up an entry for commands whose reply ID does not match
// any cached message. An empty instrument searches every entry; a named one
// restricts candidates to it. Candidates inside the age window have their
// entry, stop and take-profit prices scored against the command's extracted
// prices and the best candidate wins, newest on a tie. A minimum score keeps
// instrument-only coincidences from matching.
func (c *Cache) FindByContent(instrument string, entry, stop float64, takeProfits []float64, maxAge time.Duration) (string, CachedOrders, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}

	bestID := ""
	var best CachedOrders
	bestScore := 0
	for id, e := range c.entries {
		if instrument != "" && e.Instrument != instrument {
			continue
		}
		if !cutoff.IsZero() && e.Timestamp.Before(cutoff) {
			continue
		}
		score := 0
		if e.Instrument == instrument {
			score = 1
		}
		if entry > 0 && closePrices(e.EntryPrice, entry) {
			score += 2
		}
		if stop > 0 && closePrices(e.StopLoss, stop) {
			score++
		}
		for _, tp := range takeProfits {
			for _, cached := range e.TakeProfits {
				if closePrices(cached, tp) {
					score++
					break
				}
			}
		}
		if score > bestScore || (score == bestScore && bestID != "" && e.Timestamp.After(best.Timestamp)) {
			bestID, best, bestScore = id, e, score
		}
	}
	if bestScore < 2 {
		return "", CachedOrders{}, false
	}
	c.log.Infof("order cache: content match for %s on message %s (score %d)",
		instrument, bestID, bestScore)
	return bestID, best, true
}

func closePrices(a, b float64) bool {
	if a <= 0 || b <= 0 {
		return false
	}
	return math.Abs(a-b) <= a*priceTolerance
}

// saveLocked writes the cache with a .bak of the previous contents.
func (c *Cache) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if prev, err := os.ReadFile(c.path); err == nil {
		if err := os.WriteFile(c.path+".bak", prev, 0o644); err != nil {
			c.log.Warnf("order cache: backup failed: %v", err)
		}
	}
	data, err := json.MarshalIndent(c.entries, "", "    ")
	if err != nil {
		return fmt.Errorf("encode order cache: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("write order cache: %w", err)
	}
	return nil
}
