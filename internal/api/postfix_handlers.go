package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mailad/mailadmin/internal/antivirus"
	"github.com/mailad/mailadmin/internal/postfix"
)

// Virtual alias handlers

func (s *Server) listAliases(w http.ResponseWriter, r *http.Request) {
	aliases, err := s.aliases.FindAll()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"aliases": aliases,
		"total":   len(aliases),
	})
}

func (s *Server) getAlias(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	alias, err := s.aliases.Find(name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alias)
}

func (s *Server) createAlias(w http.ResponseWriter, r *http.Request) {
	var req postfix.Alias
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.aliases.Create(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "alias_create", "alias", req.Name,
			"Created alias "+req.Name, "success", r.RemoteAddr)
	}

	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) updateAlias(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req struct {
		Value string `json:"value"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.aliases.Update(name, req.Value)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "alias_update", "alias", name,
			"Updated alias "+name, "success", r.RemoteAddr)
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) deleteAlias(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	result, err := s.aliases.Delete(name)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "alias_delete", "alias", name,
			"Deleted alias "+name, "success", r.RemoteAddr)
	}

	writeJSON(w, http.StatusOK, result)
}

// Sender blacklist handlers

func (s *Server) listBlacklist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.blacklist.FindAll()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}

func (s *Server) createBlacklistEntry(w http.ResponseWriter, r *http.Request) {
	var req postfix.BlacklistEntry
	if !decodeBody(w, r, &req) {
		return
	}
	req.Message = Sanitize(req.Message)

	result, err := s.blacklist.Create(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "blacklist_create", "blacklist", req.Email,
			"Blacklisted "+req.Email, "success", r.RemoteAddr)
	}

	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) deleteBlacklistEntry(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")

	result, err := s.blacklist.Delete(email)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "blacklist_delete", "blacklist", email,
			"Removed "+email+" from blacklist", "success", r.RemoteAddr)
	}

	writeJSON(w, http.StatusOK, result)
}

// Transport map handlers

func (s *Server) listTransportRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.transport.FindAll()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"total": len(rules),
	})
}

func (s *Server) createTransportRule(w http.ResponseWriter, r *http.Request) {
	var req postfix.TransportRule
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.transport.Create(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "transport_create", "transport", req.Pattern,
			"Created transport rule "+req.Pattern, "success", r.RemoteAddr)
	}

	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) updateTransportRule(w http.ResponseWriter, r *http.Request) {
	pattern := chi.URLParam(r, "pattern")

	var req struct {
		Destination string `json:"destination"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.transport.Update(pattern, req.Destination)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "transport_update", "transport", pattern,
			"Updated transport rule "+pattern, "success", r.RemoteAddr)
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) deleteTransportRule(w http.ResponseWriter, r *http.Request) {
	pattern := chi.URLParam(r, "pattern")

	result, err := s.transport.Delete(pattern)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "transport_delete", "transport", pattern,
			"Deleted transport rule "+pattern, "success", r.RemoteAddr)
	}

	writeJSON(w, http.StatusOK, result)
}

// Host identity handlers

func (s *Server) getHostConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.host.GetConfig()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) updateHostConfig(w http.ResponseWriter, r *http.Request) {
	var req postfix.HostConfig
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.host.UpdateConfig(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "host_update", "host", req.Hostname,
			"Updated host configuration", "success", r.RemoteAddr)
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) testHostConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.host.TestConfig())
}

// Relay handlers

func (s *Server) getRelayConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.relay.GetConfig()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Never echo the stored password back
	cfg.RelayPassword = ""
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) updateRelayConfig(w http.ResponseWriter, r *http.Request) {
	var req postfix.RelayConfig
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.relay.UpdateConfig(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	result.RelayPassword = ""

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "relay_update", "relay", req.RelayHost,
			"Updated relay configuration", "success", r.RemoteAddr)
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) testRelayConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.TestConnection())
}

// Antivirus handlers

func (s *Server) getAntivirusConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.av.GetConfig()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) updateAntivirusConfig(w http.ResponseWriter, r *http.Request) {
	var req antivirus.Config
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.av.UpdateConfig(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "antivirus_update", "antivirus", "",
			"Updated antivirus configuration", "success", r.RemoteAddr)
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getAntivirusStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.av.GetStatus())
}

func (s *Server) testAntivirusConfig(w http.ResponseWriter, r *http.Request) {
	ok, message, details := s.av.TestConfig()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": ok,
		"message": message,
		"details": details,
	})
}
