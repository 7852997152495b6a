package supervisor

import (
	"context"

	"checkout_engine/internal/model"
)

// RotateProxy swaps the task's proxy for the least used other one of its
// group. Tasks without a group keep what they have.
func (s *Supervisor) RotateProxy(_ context.Context, taskID string, current *model.Proxy) (*model.Proxy, error) {
	s.mu.Lock()
	r, ok := s.runs[taskID]
	group := ""
	if ok {
		group = r.task.ProxyGroup
	}
	s.mu.Unlock()
	if group == "" {
		return current, nil
	}
	g, err := s.proxies.Get(group)
	if err != nil {
		return current, err
	}
	next, err := g.Rotate(current)
	if err != nil {
		return current, err
	}
	s.mu.Lock()
	if r, ok := s.runs[taskID]; ok {
		p := next
		r.task.Proxy = &p
	}
	s.mu.Unlock()
	return &next, nil
}

func (s *Supervisor) RequestChallenge(ctx context.Context, taskID string, req model.ChallengeRequest) (model.ChallengeAnswer, error) {
	return s.broker.Request(ctx, taskID, req)
}

func (s *Supervisor) RequestProduct(ctx context.Context, storeURL, monitor string) (model.Product, error) {
	return s.products.Wait(ctx, storeURL, monitor)
}

func (s *Supervisor) AwaitProductUpdate(ctx context.Context, storeURL, monitor string) (model.Product, error) {
	return s.products.WaitUpdate(ctx, storeURL, monitor)
}

// TaskUpdated keeps the restart copy and the task state in step with the
// worker.
func (s *Supervisor) TaskUpdated(t model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[t.ID]; ok {
		r.task.Product = t.Product
		r.task.Proxy = t.Proxy
		r.task.Sizes = t.Sizes
	}
	st := s.states[t.ID]
	if st == nil {
		return
	}
	changed := st.Status != t.Status || st.Signal != t.Signal || st.Outcome != t.Outcome
	st.Status = t.Status
	st.Signal = t.Signal
	if t.Outcome != model.ExitNone {
		st.Outcome = t.Outcome
	}
	if changed {
		s.publishStateLocked(*st)
	}
}
