package challenge

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"checkout_engine/internal/model"
)

// BankKey scopes harvested tokens: a token is only good for the puzzle
// family and site it was solved on.
type BankKey struct {
	Family model.PuzzleFamily `json:"family"`
	Host   string             `json:"host"`
}

func KeyFor(req model.ChallengeRequest) BankKey {
	host := strings.ToLower(req.URL)
	if u, err := url.Parse(req.URL); err == nil && u.Host != "" {
		host = strings.ToLower(u.Host)
	}
	return BankKey{Family: req.Family, Host: host}
}

type TokenView struct {
	ID          string  `json:"id"`
	Key         BankKey `json:"key"`
	CreatedAtMs int64   `json:"createdAtMs"`
	ExpiresAtMs int64   `json:"expiresAtMs"`
	Preview     string  `json:"preview,omitempty"`
}

type bankItem struct {
	id          string
	key         BankKey
	answer      model.ChallengeAnswer
	createdAtMs int64
	expiresAtMs int64
}

type Bank struct {
	mu    sync.Mutex
	items []bankItem
	ch    chan struct{}

	nextID atomic.Uint64
	ttl    atomic.Int64
	max    atomic.Int64
	now    func() time.Time
}

func NewBank(ttl time.Duration, max int) *Bank {
	b := &Bank{ch: make(chan struct{}), now: time.Now}
	b.SetLimits(ttl, max)
	return b
}

func (b *Bank) SetLimits(ttl time.Duration, max int) {
	if ttl <= 0 {
		ttl = 110 * time.Second
	}
	if max <= 0 {
		max = 50
	}
	b.ttl.Store(int64(ttl))
	b.max.Store(int64(max))
	b.signalChanged()
}

func (b *Bank) signalChanged() {
	b.mu.Lock()
	ch := b.ch
	b.ch = make(chan struct{})
	b.mu.Unlock()
	closeChanSafe(ch)
}

func (b *Bank) pruneLocked(nowMs int64) {
	n := 0
	for _, it := range b.items {
		if it.expiresAtMs > 0 && it.expiresAtMs <= nowMs {
			continue
		}
		b.items[n] = it
		n++
	}
	b.items = b.items[:n]
}

// Add banks an answer. The oldest token is dropped when the bank is full.
func (b *Bank) Add(key BankKey, answer model.ChallengeAnswer) (TokenView, bool) {
	if strings.TrimSpace(answer.Value()) == "" {
		return TokenView{}, false
	}
	nowMs := b.now().UnixMilli()
	it := bankItem{
		id:          fmt.Sprintf("%d-%d", nowMs, b.nextID.Add(1)),
		key:         key,
		answer:      answer,
		createdAtMs: nowMs,
		expiresAtMs: nowMs + time.Duration(b.ttl.Load()).Milliseconds(),
	}
	b.mu.Lock()
	b.pruneLocked(nowMs)
	if max := int(b.max.Load()); len(b.items) >= max {
		b.items = append(b.items[:0], b.items[len(b.items)-max+1:]...)
	}
	b.items = append(b.items, it)
	b.mu.Unlock()
	b.signalChanged()
	return it.view(), true
}

// Take removes and returns the oldest live token for key.
func (b *Bank) Take(key BankKey) (model.ChallengeAnswer, bool) {
	b.mu.Lock()
	b.pruneLocked(b.now().UnixMilli())
	for i, it := range b.items {
		if it.key != key {
			continue
		}
		b.items = append(b.items[:i], b.items[i+1:]...)
		b.mu.Unlock()
		b.signalChanged()
		return it.answer, true
	}
	b.mu.Unlock()
	return model.ChallengeAnswer{}, false
}

// Acquire blocks until a token for key is banked or ctx ends.
func (b *Bank) Acquire(ctx context.Context, key BankKey) (model.ChallengeAnswer, bool) {
	for {
		b.mu.Lock()
		ch := b.ch
		b.mu.Unlock()
		if a, ok := b.Take(key); ok {
			return a, true
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return model.ChallengeAnswer{}, false
		}
	}
}

func (b *Bank) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now().UnixMilli())
	return len(b.items)
}

func (b *Bank) Snapshot() []TokenView {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now().UnixMilli())
	out := make([]TokenView, 0, len(b.items))
	for _, it := range b.items {
		out = append(out, it.view())
	}
	return out
}

func (it bankItem) view() TokenView {
	return TokenView{
		ID:          it.id,
		Key:         it.key,
		CreatedAtMs: it.createdAtMs,
		ExpiresAtMs: it.expiresAtMs,
		Preview:     preview(it.answer.Value()),
	}
}

func preview(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	sum := sha1.Sum([]byte(v))
	return hex.EncodeToString(sum[:])[:10]
}

func closeChanSafe(ch chan struct{}) {
	defer func() { _ = recover() }()
	close(ch)
}
