package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mailad/mailadmin/internal/accounts"
)

// Mail account handlers (directory users)

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.List()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": users,
		"total":    len(users),
	})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	user, err := s.users.Find(username)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var req accounts.NewUser
	if !decodeBody(w, r, &req) {
		return
	}
	req.DisplayName = Sanitize(req.DisplayName)

	user, err := s.users.Create(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "account_create", "account", user.Username,
			"Created mail account "+user.Username, "success", r.RemoteAddr)
	}

	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) updateAccount(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	var req accounts.UserUpdate
	if !decodeBody(w, r, &req) {
		return
	}
	req.DisplayName = Sanitize(req.DisplayName)

	result, err := s.users.Update(username, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if u := GetUser(r.Context()); u != nil {
		status := "success"
		if result.AttributeError != "" || result.PasswordError != "" {
			status = "failed"
		}
		s.logAudit(u.ID, u.Username, "account_update", "account", username,
			"Updated mail account "+username, status, r.RemoteAddr)
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	if err := s.users.Delete(username); err != nil {
		writeDomainError(w, err)
		return
	}

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "account_delete", "account", username,
			"Deleted mail account "+username, "success", r.RemoteAddr)
	}

	w.WriteHeader(http.StatusNoContent)
}

// Mailing list handlers (directory groups)

func (s *Server) listMailingLists(w http.ResponseWriter, r *http.Request) {
	lists, err := s.lists.All()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lists": lists,
		"total": len(lists),
	})
}

func (s *Server) getMailingList(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	list, err := s.lists.Find(name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createMailingList(w http.ResponseWriter, r *http.Request) {
	var req accounts.NewList
	if !decodeBody(w, r, &req) {
		return
	}
	req.DisplayName = Sanitize(req.DisplayName)

	list, err := s.lists.Create(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "list_create", "list", list.Name,
			"Created mailing list "+list.Name, "success", r.RemoteAddr)
	}

	writeJSON(w, http.StatusCreated, list)
}

func (s *Server) deleteMailingList(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	result, err := s.lists.Delete(name)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "list_delete", "list", name,
			"Deleted mailing list "+name, "success", r.RemoteAddr)
	}

	writeJSON(w, http.StatusOK, result)
}

type memberChangeRequest struct {
	Members []string `json:"members"`
}

func (s *Server) addListMembers(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req memberChangeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Members) == 0 {
		http.Error(w, "members is required", http.StatusBadRequest)
		return
	}

	result, err := s.lists.AddMembers(name, req.Members)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if u := GetUser(r.Context()); u != nil {
		status := "success"
		if result.Failed > 0 {
			status = "failed"
		}
		s.logAudit(u.ID, u.Username, "list_members_add", "list", name,
			"Added members to "+name, status, r.RemoteAddr)
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) removeListMembers(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req memberChangeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Members) == 0 {
		http.Error(w, "members is required", http.StatusBadRequest)
		return
	}

	result, err := s.lists.RemoveMembers(name, req.Members)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if u := GetUser(r.Context()); u != nil {
		status := "success"
		if result.Failed > 0 {
			status = "failed"
		}
		s.logAudit(u.ID, u.Username, "list_members_remove", "list", name,
			"Removed members from "+name, status, r.RemoteAddr)
	}

	writeJSON(w, http.StatusOK, result)
}
