package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"checkout_engine/internal/challenge"
	"checkout_engine/internal/model"
)

func (s *Server) listChallenges(w http.ResponseWriter, _ *http.Request) {
	writeData(w, s.sup.Broker().Pending())
}

func (s *Server) answerChallenge(w http.ResponseWriter, r *http.Request) {
	var answer model.ChallengeAnswer
	if err := readJSON(r, &answer); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sup.SubmitChallenge(r.PathValue("taskId"), answer); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeOK(w)
}

func (s *Server) retryChallenge(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.RetryChallenge(r.PathValue("taskId")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeOK(w)
}

type tokenPayload struct {
	Family model.PuzzleFamily    `json:"family"`
	Host   string                `json:"host"`
	Answer model.ChallengeAnswer `json:"answer"`
}

func (s *Server) listTokens(w http.ResponseWriter, _ *http.Request) {
	writeData(w, s.sup.Broker().Bank().Snapshot())
}

// addToken stores a pre-harvested answer for later challenge requests.
func (s *Server) addToken(w http.ResponseWriter, r *http.Request) {
	var body tokenPayload
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	host := strings.ToLower(strings.TrimSpace(body.Host))
	if body.Family == "" || host == "" {
		writeError(w, http.StatusBadRequest, errors.New("family and host are required"))
		return
	}
	view, ok := s.sup.Broker().Bank().Add(challenge.BankKey{Family: body.Family, Host: host}, body.Answer)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("answer is empty"))
		return
	}
	writeData(w, view)
}
