package httpapi

import (
	"net/http"
	"strings"

	"checkout_engine/internal/model"
	"checkout_engine/internal/proxy"
)

func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.store.ListProfiles(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeData(w, profiles)
}

func (s *Server) saveProfile(w http.ResponseWriter, r *http.Request) {
	var body model.Profile
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	rec, err := s.store.UpsertProfile(r.Context(), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeData(w, rec)
}

func (s *Server) deleteProfile(w http.ResponseWriter, r *http.Request) {
	name, ok := requiredQuery(w, r, "name")
	if !ok {
		return
	}
	if err := s.store.DeleteProfile(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w)
}

type proxyGroupPayload struct {
	Name    string   `json:"name"`
	Proxies []string `json:"proxies"`
}

type proxyGroupView struct {
	Name    string        `json:"name"`
	Proxies []proxy.Usage `json:"proxies"`
}

func (s *Server) listProxies(w http.ResponseWriter, _ *http.Request) {
	reg := s.sup.Proxies()
	out := make([]proxyGroupView, 0)
	for _, name := range reg.Names() {
		if g, err := reg.Get(name); err == nil {
			out = append(out, proxyGroupView{Name: name, Proxies: g.Usage()})
		}
	}
	writeData(w, out)
}

// saveProxies replaces a group both in the store and in the live registry.
func (s *Server) saveProxies(w http.ResponseWriter, r *http.Request) {
	var body proxyGroupPayload
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	proxies := make([]model.Proxy, 0, len(body.Proxies))
	for _, line := range body.Proxies {
		p, err := model.ParseProxy(line)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		proxies = append(proxies, p)
	}
	if err := s.store.UpsertProxyGroup(r.Context(), body.Name, body.Proxies); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.sup.Proxies().Put(proxy.NewGroup(body.Name, proxies))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(proxies)})
}

func (s *Server) deleteProxies(w http.ResponseWriter, r *http.Request) {
	name, ok := requiredQuery(w, r, "name")
	if !ok {
		return
	}
	if err := s.store.DeleteProxyGroup(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.sup.Proxies().Delete(name)
	writeOK(w)
}
