package mockstore

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type WaitroomOptions struct {
	CustomerID string
	EventID    string
	PoW        bool
	// Polls is how many status calls report a position before the redirect.
	Polls int
	// RejectFirst answers the first enqueue with a failed challenge.
	RejectFirst bool
	Block       bool
}

type queueTicket struct {
	target string
	polls  int
}

// Waitroom is a JSON waiting room in the shape waitroom.HTTPProvider speaks.
type Waitroom struct {
	opts WaitroomOptions

	mu            sync.Mutex
	base          string
	receipts      map[string]bool
	tickets       map[string]*queueTicket
	passes        map[string]bool
	verifications int
	enqueues      int
	rejected      bool
}

func NewWaitroom(opts WaitroomOptions) *Waitroom {
	if opts.CustomerID == "" {
		opts.CustomerID = "mockshop"
	}
	if opts.EventID == "" {
		opts.EventID = "drop"
	}
	return &Waitroom{
		opts:     opts,
		receipts: make(map[string]bool),
		tickets:  make(map[string]*queueTicket),
		passes:   make(map[string]bool),
	}
}

func (q *Waitroom) SetBase(base string) {
	q.mu.Lock()
	q.base = strings.TrimRight(base, "/")
	q.mu.Unlock()
}

func (q *Waitroom) EntryURL(target string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	v := url.Values{"c": {q.opts.CustomerID}, "e": {q.opts.EventID}, "t": {target}}
	return q.base + "/?" + v.Encode()
}

// HasPass reports whether r carries a pass issued by the room, either as
// the queueittoken query parameter or the cookie set from it.
func (q *Waitroom) HasPass(r *http.Request) bool {
	tok := r.URL.Query().Get("queueittoken")
	if tok == "" {
		if c, err := r.Cookie("queue_pass"); err == nil {
			tok = c.Value
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.passes[tok]
}

func (q *Waitroom) Verifications() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.verifications
}

func (q *Waitroom) Enqueues() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueues
}

func (q *Waitroom) Handler() http.Handler {
	mux := http.NewServeMux()
	prefix := "/api/queue/{c}/{e}"
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		writeHTML(w, `<html><body><h1>You are now in line</h1></body></html>`)
	})
	mux.HandleFunc("GET "+prefix+"/challenge", q.requirements)
	mux.HandleFunc("POST "+prefix+"/challenge/verify", q.verifyCaptcha)
	mux.HandleFunc("POST "+prefix+"/pow", q.powChallenge)
	mux.HandleFunc("POST "+prefix+"/pow/verify", q.verifyPow)
	mux.HandleFunc("POST "+prefix+"/enqueue", q.enqueue)
	mux.HandleFunc("POST "+prefix+"/{queue}/status", q.status)
	mux.HandleFunc("GET /softblock/", func(w http.ResponseWriter, _ *http.Request) {
		writeHTML(w, `<html><body>Blocked</body></html>`)
	})
	return mux
}

func (q *Waitroom) event(w http.ResponseWriter, r *http.Request) bool {
	if r.PathValue("c") != q.opts.CustomerID || r.PathValue("e") != q.opts.EventID {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown event"})
		return false
	}
	return true
}

func (q *Waitroom) requirements(w http.ResponseWriter, r *http.Request) {
	if !q.event(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"captcha": map[string]any{"family": "recaptcha_v3", "siteKey": "mock-queue"},
		"pow":     q.opts.PoW,
	})
}

func (q *Waitroom) issue(prefix string) string {
	id := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	q.receipts[id] = true
	return id
}

func (q *Waitroom) verifyCaptcha(w http.ResponseWriter, r *http.Request) {
	if !q.event(w, r) {
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	q.mu.Lock()
	q.verifications++
	id := q.issue("cap-")
	q.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "sessionInfo": id})
}

func (q *Waitroom) powChallenge(w http.ResponseWriter, r *http.Request) {
	if !q.event(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":  uuid.NewString(),
		"meta":       map[string]string{"userId": "mock"},
		"tags":       []string{"powTag-CustomerId:" + q.opts.CustomerID, "powTag-EventId:" + q.opts.EventID},
		"complexity": 10,
		"input":      uuid.NewString(),
	})
}

func (q *Waitroom) verifyPow(w http.ResponseWriter, r *http.Request) {
	if !q.event(w, r) {
		return
	}
	var body struct {
		SessionID string `json:"sessionId"`
		Hash      string `json:"hash"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.SessionID == "" || body.Hash == "" {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	q.mu.Lock()
	id := q.issue("pow-")
	q.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "sessionInfo": id})
}

func (q *Waitroom) enqueue(w http.ResponseWriter, r *http.Request) {
	if !q.event(w, r) {
		return
	}
	var body struct {
		Sessions  []string `json:"sessions"`
		TargetURL string   `json:"targetUrl"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueues++
	ok := len(body.Sessions) > 0
	var hasCaptcha, hasPow bool
	for _, s := range body.Sessions {
		if !q.receipts[s] {
			ok = false
		}
		hasCaptcha = hasCaptcha || strings.HasPrefix(s, "cap-")
		hasPow = hasPow || strings.HasPrefix(s, "pow-")
	}
	if q.opts.PoW && !hasPow {
		ok = false
	}
	if q.opts.RejectFirst && !q.rejected {
		q.rejected = true
		for _, s := range body.Sessions {
			delete(q.receipts, s)
		}
		ok = false
	}
	if !ok || !hasCaptcha {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"challengeFailed": true})
		return
	}
	id := uuid.NewString()
	q.tickets[id] = &queueTicket{target: body.TargetURL, polls: q.opts.Polls}
	writeJSON(w, http.StatusOK, map[string]any{"queueId": id})
}

func (q *Waitroom) status(w http.ResponseWriter, r *http.Request) {
	if !q.event(w, r) {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tickets[r.PathValue("queue")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown queue id"})
		return
	}
	if t.polls > 0 {
		t.polls--
		writeJSON(w, http.StatusOK, map[string]any{
			"updateInterval": 10,
			"ticket":         map[string]any{"progress": 0.5, "usersInLineAheadOfYou": t.polls * 100},
		})
		return
	}
	if q.opts.Block {
		writeJSON(w, http.StatusOK, map[string]any{"redirectUrl": q.base + "/softblock/?c=" + q.opts.CustomerID})
		return
	}
	pass := strings.ReplaceAll(uuid.NewString(), "-", "")
	q.passes[pass] = true
	target := t.target
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	writeJSON(w, http.StatusOK, map[string]any{"redirectUrl": target + sep + "queueittoken=" + pass})
}
