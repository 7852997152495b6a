package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"checkout_engine/internal/model"
	"checkout_engine/internal/schedule"
	"checkout_engine/internal/supervisor"
)

type taskPayload struct {
	model.Task
	// ProfileName loads a saved profile instead of an inline one.
	ProfileName string `json:"profileName,omitempty"`
}

// listTasks returns stored tasks, with live runtime fields for running ones.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for i, t := range tasks {
		if live, ok := s.sup.Snapshot(t.ID); ok {
			tasks[i] = live
		}
	}
	writeData(w, tasks)
}

func (s *Server) saveTask(w http.ResponseWriter, r *http.Request) {
	var body taskPayload
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	next := body.Task
	next.ID = strings.TrimSpace(next.ID)
	if name := strings.TrimSpace(body.ProfileName); name != "" {
		rec, err := s.store.GetProfile(r.Context(), name)
		if err != nil {
			writeError(w, statusFor(err), fmt.Errorf("profile %s: %w", name, err))
			return
		}
		next.Profile = rec.Profile
	}
	if next.Schedule != "" {
		if err := schedule.Validate(next.Schedule); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if next.ID != "" {
		if current, err := s.store.GetTask(r.Context(), next.ID); err == nil {
			next.CreatedAt = current.CreatedAt
		}
	}

	saved, err := s.store.UpsertTask(r.Context(), next)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.sched != nil {
		if err := s.sched.Add(saved); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	// A running worker picks up the edited definition in place.
	err = s.sup.Update(saved.ID, func(t *model.Task) {
		t.Name = saved.Name
		t.Monitor = saved.Monitor
		t.Sizes = append([]string(nil), saved.Sizes...)
		t.Quantity = saved.Quantity
		t.Profile = saved.Profile
		t.Account = saved.Account
		t.Mode = saved.Mode
		t.Schedule = saved.Schedule
	})
	if err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		writeError(w, statusFor(err), err)
		return
	}
	writeData(w, saved)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := requiredQuery(w, r, "id")
	if !ok {
		return
	}
	if err := s.sup.Stop(id); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		writeError(w, statusFor(err), err)
		return
	}
	if s.sched != nil {
		s.sched.Remove(id)
	}
	if err := s.store.DeleteTask(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.sup.Start(ctx, task); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			// Anything else Start rejects is a task the worker could not run.
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeOK(w)
}

func (s *Server) stopTask(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Stop(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeOK(w)
}

func (s *Server) stopEngine(w http.ResponseWriter, _ *http.Request) {
	stopped := 0
	for _, st := range s.sup.State().Tasks {
		if st.Running && s.sup.Stop(st.TaskID) == nil {
			stopped++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stopped": stopped})
}

func (s *Server) state(w http.ResponseWriter, _ *http.Request) {
	broker := s.sup.Broker()
	data := map[string]any{
		"tasks":      s.sup.State().Tasks,
		"challenges": len(broker.Pending()),
		"tokens":     broker.Bank().Size(),
		"dropped":    s.bus.Dropped(),
	}
	if s.sched != nil {
		data["schedule"] = s.sched.Entries()
	}
	writeData(w, data)
}
