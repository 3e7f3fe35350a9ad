package market

import (
	"strconv"
	"sync"

	"polymarket-updown/pkg/types"
)

// Book is a local mirror of one outcome token's order book, rebuilt from
// full snapshots. Levels are kept sorted as delivered by the venue.
type Book struct {
	mu   sync.RWMutex
	bids []level
	asks []level
}

type level struct {
	price float64
	size  float64
}

// NewBook returns an empty book.
func NewBook() *Book {
	return &Book{}
}

// ApplySnapshot replaces the book contents with a full snapshot. Levels with
// unparseable prices or sizes are dropped.
func (b *Book) ApplySnapshot(snap types.BookSnapshot) {
	bids := parseLevels(snap.Bids)
	asks := parseLevels(snap.Asks)

	b.mu.Lock()
	b.bids = bids
	b.asks = asks
	b.mu.Unlock()
}

func parseLevels(in []types.PriceLevel) []level {
	out := make([]level, 0, len(in))
	for _, l := range in {
		price, err := strconv.ParseFloat(l.Price, 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(l.Size, 64)
		if err != nil {
			continue
		}
		out = append(out, level{price: price, size: size})
	}
	return out
}

// BestBid returns the highest bid price, or 0 if the bid side is empty.
func (b *Book) BestBid() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	best := 0.0
	for _, l := range b.bids {
		if l.price > best {
			best = l.price
		}
	}
	return best
}

// BestAsk returns the lowest ask price, or 0 if the ask side is empty.
func (b *Book) BestAsk() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	best := 0.0
	for _, l := range b.asks {
		if best == 0 || l.price < best {
			best = l.price
		}
	}
	return best
}

// Spread returns ask−bid, or 0 when either side is empty.
func (b *Book) Spread() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return ask - bid
}

// SpreadOrZero is Spread on a possibly-nil book.
func (b *Book) SpreadOrZero() float64 {
	if b == nil {
		return 0
	}
	return b.Spread()
}

// Imbalance returns (bidDepth−askDepth)/(bidDepth+askDepth) in [−1, 1].
// Positive values mean more resting buy interest than sell interest. Returns
// 0 for an empty book.
func (b *Book) Imbalance() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var bidDepth, askDepth float64
	for _, l := range b.bids {
		bidDepth += l.size
	}
	for _, l := range b.asks {
		askDepth += l.size
	}
	total := bidDepth + askDepth
	if total == 0 {
		return 0
	}
	return (bidDepth - askDepth) / total
}

// Books caches the latest book per outcome token. Thread-safe.
type Books struct {
	mu    sync.RWMutex
	books map[string]*Book
}

// NewBooks returns an empty book cache.
func NewBooks() *Books {
	return &Books{books: make(map[string]*Book)}
}

// Apply stores a snapshot for a token, creating its book on first sight.
func (bs *Books) Apply(tokenID string, snap types.BookSnapshot) {
	bs.mu.Lock()
	b, ok := bs.books[tokenID]
	if !ok {
		b = NewBook()
		bs.books[tokenID] = b
	}
	bs.mu.Unlock()
	b.ApplySnapshot(snap)
}

// Get returns the book for a token, or nil if none has been seen.
func (bs *Books) Get(tokenID string) *Book {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.books[tokenID]
}

// Drop removes a token's book, typically after its market expires.
func (bs *Books) Drop(tokenID string) {
	bs.mu.Lock()
	delete(bs.books, tokenID)
	bs.mu.Unlock()
}
