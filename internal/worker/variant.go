package worker

import (
	"math/rand/v2"
	"strconv"
	"strings"

	"checkout_engine/internal/model"
)

// SizeMatches compares a wanted size with a variant size: equal ignoring
// case, or numerically equal ("9" matches "9.0").
func SizeMatches(want, have string) bool {
	want, have = strings.TrimSpace(want), strings.TrimSpace(have)
	if want == "" || have == "" {
		return false
	}
	if strings.EqualFold(want, have) {
		return true
	}
	a, errA := strconv.ParseFloat(want, 64)
	b, errB := strconv.ParseFloat(have, 64)
	return errA == nil && errB == nil && a == b
}

func sizeWanted(sizes []string, size string) bool {
	if model.RandomSizes(sizes) {
		return true
	}
	for _, s := range sizes {
		if SizeMatches(s, size) {
			return true
		}
	}
	return false
}

func eligible(p model.Product, sizes []string, skip map[string]struct{}) []model.Variant {
	var out []model.Variant
	for _, v := range p.Variants {
		if !v.InStock || !sizeWanted(sizes, v.Size) {
			continue
		}
		if _, seen := skip[v.ID]; seen {
			continue
		}
		out = append(out, v)
	}
	return out
}

func pick(rng *rand.Rand, vs []model.Variant) *model.Variant {
	if len(vs) == 0 {
		return nil
	}
	v := vs[rng.IntN(len(vs))]
	return &v
}

// RandomAvailableVariant picks uniformly among the in-stock variants of p
// matching sizes. It returns nil when nothing qualifies.
func (w *Worker) RandomAvailableVariant(p model.Product, sizes []string) *model.Variant {
	w.mu.Lock()
	defer w.mu.Unlock()
	return pick(w.rng, eligible(p, sizes, nil))
}

// SetAnotherVariant moves the task to an in-stock variant other than the
// current one that it has not tried yet. When every candidate has been tried
// the history is cleared and the search runs once more, still preferring a
// variant other than the current one.
func (w *Worker) SetAnotherVariant() (model.Variant, bool) {
	w.mu.Lock()
	p := w.task.Product
	if p == nil {
		w.mu.Unlock()
		return model.Variant{}, false
	}
	current := make(map[string]struct{}, 1)
	if cur := w.task.Variant; cur != nil {
		w.attempted[cur.ID] = struct{}{}
		current[cur.ID] = struct{}{}
	}
	v := pick(w.rng, eligible(*p, w.task.Sizes, w.attempted))
	if v == nil && len(w.attempted) > 0 {
		w.attempted = make(map[string]struct{})
		if v = pick(w.rng, eligible(*p, w.task.Sizes, current)); v == nil {
			v = pick(w.rng, eligible(*p, w.task.Sizes, nil))
		}
	}
	if v == nil {
		w.mu.Unlock()
		return model.Variant{}, false
	}
	w.attempted[v.ID] = struct{}{}
	w.mu.Unlock()

	chosen := *v
	w.Update(func(t *model.Task) { t.Variant = &chosen })
	return chosen, true
}

func (w *Worker) AttemptedVariants() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.attempted))
	for id := range w.attempted {
		out = append(out, id)
	}
	return out
}
