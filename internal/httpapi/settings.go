package httpapi

import (
	"net/http"
	"strings"

	"checkout_engine/internal/model"
)

// emailSettingsPayload is a partial update; nil fields keep their value.
type emailSettingsPayload struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	To       *string `json:"to,omitempty"`
	From     *string `json:"from,omitempty"`
	Host     *string `json:"host,omitempty"`
	Port     *int    `json:"port,omitempty"`
	Username *string `json:"username,omitempty"`
	Password *string `json:"password,omitempty"`
}

func (p emailSettingsPayload) apply(cur model.EmailSettings) model.EmailSettings {
	trimmed := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	if p.Enabled != nil {
		cur.Enabled = *p.Enabled
	}
	trimmed(&cur.To, p.To)
	trimmed(&cur.From, p.From)
	trimmed(&cur.Host, p.Host)
	trimmed(&cur.Username, p.Username)
	if p.Port != nil {
		cur.Port = *p.Port
	}
	if p.Password != nil && *p.Password != maskedPassword {
		cur.Password = *p.Password
	}
	return cur
}

const maskedPassword = "******"

func masked(v model.EmailSettings) model.EmailSettings {
	if v.Password != "" {
		v.Password = maskedPassword
	}
	return v
}

// currentEmailSettings returns the saved settings, or the configured ones
// when nothing was saved yet.
func (s *Server) currentEmailSettings(r *http.Request) (model.EmailSettings, error) {
	saved, ok, err := s.store.GetEmailSettings(r.Context())
	if err != nil || ok {
		return saved, err
	}
	c := s.cfg.Notify.Email
	return model.EmailSettings{
		Enabled: c.Enabled, To: c.To, From: c.From, Host: c.Host, Port: c.Port,
		Username: c.Username, Password: c.Password,
	}, nil
}

func (s *Server) getEmailSettings(w http.ResponseWriter, r *http.Request) {
	cur, err := s.currentEmailSettings(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeData(w, masked(cur))
}

func (s *Server) saveEmailSettings(w http.ResponseWriter, r *http.Request) {
	cur, err := s.currentEmailSettings(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	var body emailSettingsPayload
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	saved, err := s.store.UpsertEmailSettings(r.Context(), body.apply(cur))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeData(w, masked(saved))
}
