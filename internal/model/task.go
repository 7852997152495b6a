package model

import (
	"strings"
	"time"
)

type Platform string

const (
	PlatformShopify  Platform = "shopify"
	PlatformFootsite Platform = "footsite"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityGood    Severity = "good"
)

type Status struct {
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

type ExitOutcome string

const (
	ExitNone       ExitOutcome = ""
	ExitCheckedOut ExitOutcome = "checked_out"
	ExitFailed     ExitOutcome = "failed"
	ExitStopped    ExitOutcome = "stopped"
	ExitCrashed    ExitOutcome = "crashed"
)

type Store struct {
	Name     string   `json:"name,omitempty"`
	URL      string   `json:"url" validate:"required,url"`
	Platform Platform `json:"platform" validate:"required,oneof=shopify footsite"`
}

type Account struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Task is the unit of work handed to the supervisor. The fields below the
// runtime marker are owned by the worker while it runs.
type Task struct {
	ID         string     `json:"id" validate:"required"`
	Name       string     `json:"name,omitempty"`
	Store      Store      `json:"store"`
	Monitor    string     `json:"monitor" validate:"required"`
	Sizes      []string   `json:"sizes,omitempty"`
	Quantity   int        `json:"quantity,omitempty" validate:"gte=0,lte=10"`
	Profile    Profile    `json:"profile"`
	ProxyGroup string     `json:"proxyGroup,omitempty"`
	Proxy      *Proxy     `json:"proxy,omitempty"`
	Account    *Account   `json:"account,omitempty"`
	Mode       ModeConfig `json:"mode"`
	Schedule   string     `json:"schedule,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`

	// runtime
	Status      Status      `json:"status"`
	Signal      string      `json:"signal,omitempty"`
	Running     bool        `json:"running"`
	Outcome     ExitOutcome `json:"outcome,omitempty"`
	StartedAt   time.Time   `json:"startedAt,omitempty"`
	Product     *Product    `json:"product,omitempty"`
	Variant     *Variant    `json:"variant,omitempty"`
	OrderNumber string      `json:"orderNumber,omitempty"`
}

// Clone returns a copy that shares no mutable state with t.
func (t Task) Clone() Task {
	out := t
	out.Sizes = append([]string(nil), t.Sizes...)
	if t.Proxy != nil {
		p := *t.Proxy
		out.Proxy = &p
	}
	if t.Account != nil {
		a := *t.Account
		out.Account = &a
	}
	if t.Product != nil {
		p := t.Product.Clone()
		out.Product = &p
	}
	if t.Variant != nil {
		v := *t.Variant
		out.Variant = &v
	}
	if t.Profile.Billing != nil {
		b := *t.Profile.Billing
		out.Profile.Billing = &b
	}
	return out
}

// Quantity defaults to one.
func (t Task) OrderQuantity() int {
	if t.Quantity <= 0 {
		return 1
	}
	return t.Quantity
}

func (t Task) WantsRandomSize() bool { return RandomSizes(t.Sizes) }

// RandomSizes reports whether a size filter means "any size": an empty
// list, or the literal token "random" anywhere in it.
func RandomSizes(sizes []string) bool {
	if len(sizes) == 0 {
		return true
	}
	for _, s := range sizes {
		if strings.EqualFold(strings.TrimSpace(s), "random") {
			return true
		}
	}
	return false
}

type TaskState struct {
	TaskID    string      `json:"taskId"`
	Running   bool        `json:"running"`
	Status    Status      `json:"status"`
	Signal    string      `json:"signal,omitempty"`
	Outcome   ExitOutcome `json:"outcome,omitempty"`
	Restarts  int         `json:"restarts,omitempty"`
	StartedAt int64       `json:"startedAtMs,omitempty"`
}

type EngineState struct {
	Tasks []TaskState `json:"tasks"`
}

type CheckoutEvent struct {
	TaskID      string    `json:"taskId"`
	TaskName    string    `json:"taskName,omitempty"`
	Store       string    `json:"store"`
	Product     string    `json:"product"`
	Size        string    `json:"size,omitempty"`
	Price       int64     `json:"price,omitempty"`
	OrderNumber string    `json:"orderNumber"`
	Email       string    `json:"email,omitempty"`
	At          time.Time `json:"at"`
}
