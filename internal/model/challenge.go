package model

type PuzzleFamily string

const (
	PuzzleRecaptchaV2 PuzzleFamily = "recaptcha_v2"
	PuzzleRecaptchaV3 PuzzleFamily = "recaptcha_v3"
	PuzzleHCaptcha    PuzzleFamily = "hcaptcha"
	PuzzleGeeTest     PuzzleFamily = "geetest"
	PuzzleDataDome    PuzzleFamily = "datadome"
	PuzzleQuestion    PuzzleFamily = "question"
)

// ChallengeRequest describes the puzzle a step ran into. The solver side
// decides how to answer it.
type ChallengeRequest struct {
	URL         string       `json:"url"`
	Family      PuzzleFamily `json:"family"`
	SiteKey     string       `json:"siteKey,omitempty"`
	Action      string       `json:"action,omitempty"`
	Invisible   bool         `json:"invisible,omitempty"`
	Question    string       `json:"question,omitempty"`
	HTML        string       `json:"html,omitempty"`
	Cookies     []Cookie     `json:"cookies,omitempty"`
	UserAgent   string       `json:"userAgent,omitempty"`
	SiteContext string       `json:"siteContext,omitempty"`
}

type GeeTestAnswer struct {
	Challenge string `json:"challenge"`
	Validate  string `json:"validate"`
	Seccode   string `json:"seccode"`
}

type HCaptchaAnswer struct {
	Token   string `json:"token"`
	EKey    string `json:"ekey,omitempty"`
	Expires int64  `json:"expiresMs,omitempty"`
}

// ChallengeAnswer carries the family-specific solution shape. Only the
// fields matching the request family are set.
type ChallengeAnswer struct {
	Token    string          `json:"token,omitempty"`
	Text     string          `json:"text,omitempty"`
	GeeTest  *GeeTestAnswer  `json:"geetest,omitempty"`
	HCaptcha *HCaptchaAnswer `json:"hcaptcha,omitempty"`
	Cookies  []Cookie        `json:"cookies,omitempty"`
}

// Value returns the single string most submitters need.
func (a ChallengeAnswer) Value() string {
	switch {
	case a.Token != "":
		return a.Token
	case a.HCaptcha != nil:
		return a.HCaptcha.Token
	case a.GeeTest != nil:
		return a.GeeTest.Validate
	default:
		return a.Text
	}
}
