// Package challenge mediates anti-bot puzzles between workers and whoever
// answers them: an automatic Solver, an operator through the control API, or
// the token bank.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"checkout_engine/internal/logbus"
	"checkout_engine/internal/model"
)

var (
	ErrCancelled = errors.New("challenge: request cancelled")
	ErrNoPending = errors.New("challenge: no pending request")
)

// Solver answers puzzles automatically. It may block for as long as it
// needs; the broker cancels ctx when the requesting worker goes away.
type Solver interface {
	Solve(ctx context.Context, req model.ChallengeRequest) (model.ChallengeAnswer, error)
}

type Request struct {
	ID          string                 `json:"id"`
	TaskID      string                 `json:"taskId"`
	Challenge   model.ChallengeRequest `json:"challenge"`
	CreatedAtMs int64                  `json:"createdAtMs"`
}

type reply struct {
	answer model.ChallengeAnswer
	retry  bool
}

type pending struct {
	req   Request
	reply chan reply
	once  sync.Once
}

func (p *pending) resolve(r reply) bool {
	sent := false
	p.once.Do(func() {
		p.reply <- r
		sent = true
	})
	return sent
}

type Broker struct {
	bus    logbus.Publisher
	bank   *Bank
	solver Solver

	mu      sync.Mutex
	pending map[string]*pending
	byTask  map[string]string
}

func NewBroker(bus logbus.Publisher, bank *Bank, solver Solver) *Broker {
	if bus == nil {
		bus = logbus.Discard{}
	}
	return &Broker{
		bus:     bus,
		bank:    bank,
		solver:  solver,
		pending: make(map[string]*pending),
		byTask:  make(map[string]string),
	}
}

func (b *Broker) Bank() *Bank { return b.bank }

// Request suspends until the puzzle is answered. A retry signal re-issues the
// request under a new id. When ctx ends the solver side is told the request
// was cancelled.
func (b *Broker) Request(ctx context.Context, taskID string, ch model.ChallengeRequest) (model.ChallengeAnswer, error) {
	if b.bank != nil {
		if a, ok := b.bank.Take(KeyFor(ch)); ok {
			b.bus.Log(logbus.LevelInfo, "challenge answered from bank", map[string]any{"taskId": taskID, "family": ch.Family})
			return a, nil
		}
	}
	for {
		p := b.register(taskID, ch)
		b.bus.Publish(logbus.TypeChallengeRequested, p.req)
		solveCtx, cancelSolve := context.WithCancel(ctx)
		if b.solver != nil {
			go b.autoSolve(solveCtx, p)
		}

		select {
		case r := <-p.reply:
			cancelSolve()
			b.unregister(p)
			if r.retry {
				b.bus.Log(logbus.LevelInfo, "challenge retry requested", map[string]any{"taskId": taskID, "id": p.req.ID})
				continue
			}
			b.bus.Publish(logbus.TypeChallengeSolved, p.req)
			return r.answer, nil
		case <-ctx.Done():
			cancelSolve()
			b.unregister(p)
			select {
			case r := <-p.reply:
				if !r.retry {
					b.bus.Publish(logbus.TypeChallengeSolved, p.req)
					return r.answer, nil
				}
			default:
			}
			b.bus.Publish(logbus.TypeChallengeCancelled, p.req)
			return model.ChallengeAnswer{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
	}
}

func (b *Broker) autoSolve(ctx context.Context, p *pending) {
	answer, err := b.solver.Solve(ctx, p.req.Challenge)
	if err != nil {
		if ctx.Err() == nil {
			b.bus.Log(logbus.LevelWarn, "automatic solve failed", map[string]any{"taskId": p.req.TaskID, "error": err.Error()})
		}
		return
	}
	p.resolve(reply{answer: answer})
}

func (b *Broker) register(taskID string, ch model.ChallengeRequest) *pending {
	p := &pending{
		req: Request{
			ID:          uuid.NewString(),
			TaskID:      taskID,
			Challenge:   ch,
			CreatedAtMs: time.Now().UnixMilli(),
		},
		reply: make(chan reply, 1),
	}
	b.mu.Lock()
	b.pending[p.req.ID] = p
	if taskID != "" {
		b.byTask[taskID] = p.req.ID
	}
	b.mu.Unlock()
	return p
}

func (b *Broker) unregister(p *pending) {
	b.mu.Lock()
	delete(b.pending, p.req.ID)
	if b.byTask[p.req.TaskID] == p.req.ID {
		delete(b.byTask, p.req.TaskID)
	}
	b.mu.Unlock()
}

func (b *Broker) lookup(id string) (*pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	return p, ok
}

func (b *Broker) lookupTask(taskID string) (*pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byTask[taskID]
	if !ok {
		return nil, false
	}
	p, ok := b.pending[id]
	return p, ok
}

// Answer resolves the request with the given id. Only the first reply to a
// request counts.
func (b *Broker) Answer(id string, answer model.ChallengeAnswer) error {
	p, ok := b.lookup(id)
	if !ok || !p.resolve(reply{answer: answer}) {
		return fmt.Errorf("%w: %s", ErrNoPending, id)
	}
	return nil
}

func (b *Broker) AnswerTask(taskID string, answer model.ChallengeAnswer) error {
	p, ok := b.lookupTask(taskID)
	if !ok || !p.resolve(reply{answer: answer}) {
		return fmt.Errorf("%w: task %s", ErrNoPending, taskID)
	}
	return nil
}

func (b *Broker) RetryTask(taskID string) error {
	p, ok := b.lookupTask(taskID)
	if !ok || !p.resolve(reply{retry: true}) {
		return fmt.Errorf("%w: task %s", ErrNoPending, taskID)
	}
	return nil
}

// Pending lists outstanding requests, oldest first.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	out := make([]Request, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMs < out[j].CreatedAtMs })
	return out
}
