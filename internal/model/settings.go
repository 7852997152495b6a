package model

// EmailSettings override the configured checkout notification mailer.
type EmailSettings struct {
	Enabled  bool   `json:"enabled"`
	To       string `json:"to"`
	From     string `json:"from,omitempty"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}
