package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/mailad/mailadmin/internal/accounts"
	"github.com/mailad/mailadmin/internal/antivirus"
	"github.com/mailad/mailadmin/internal/directory"
	"github.com/mailad/mailadmin/internal/postfix"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// writeJSON writes v as a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeDomainError maps domain errors onto HTTP status codes: validation 400,
// not-found 404, duplicates and ambiguity 409, permission 403, directory
// constraints 422, everything else 500.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		accVal *accounts.ValidationError
		pfxVal *postfix.ValidationError
		avVal  *antivirus.ValidationError
		nf     *postfix.NotFoundError
		dup    *postfix.AlreadyExistsError
		dis    *antivirus.DisabledError
	)

	switch {
	case errors.As(err, &accVal), errors.As(err, &pfxVal), errors.As(err, &avVal):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &nf):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &dup), errors.As(err, &dis):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		switch directory.KindOf(err) {
		case directory.KindNotFound:
			http.Error(w, err.Error(), http.StatusNotFound)
		case directory.KindAlreadyExists, directory.KindAmbiguous:
			http.Error(w, err.Error(), http.StatusConflict)
		case directory.KindPermissionDenied:
			http.Error(w, err.Error(), http.StatusForbidden)
		case directory.KindConstraint, directory.KindNotLeaf, directory.KindInvalidScope:
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			log.Error().Err(err).Msg("request failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

// decodeBody decodes a JSON request body into v. Returns false after writing
// a 400 if the body does not parse.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// Setup handlers - for initial admin user creation

// getSetupStatus returns whether initial setup is needed
func (s *Server) getSetupStatus(w http.ResponseWriter, r *http.Request) {
	var adminCount int
	err := s.db.QueryRow("SELECT COUNT(*) FROM users WHERE role = 'admin'").Scan(&adminCount)
	if err != nil {
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"setupRequired": adminCount == 0,
	})
}

// completeSetup creates the first admin user
func (s *Server) completeSetup(w http.ResponseWriter, r *http.Request) {
	// Check if setup is already complete
	var adminCount int
	err := s.db.QueryRow("SELECT COUNT(*) FROM users WHERE role = 'admin'").Scan(&adminCount)
	if err != nil {
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}

	if adminCount > 0 {
		http.Error(w, "setup already completed", http.StatusForbidden)
		return
	}

	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	// Validate input
	v := NewValidator()
	if req.Username == "" {
		v.AddError("username", "username is required")
	} else if len(req.Username) < 3 {
		v.AddError("username", "username must be at least 3 characters")
	}
	v.ValidateEmail("email", req.Email)
	if req.Password == "" {
		v.AddError("password", "password is required")
	} else if len(req.Password) < 12 {
		v.AddError("password", "password must be at least 12 characters")
	}

	if v.HasErrors() {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"errors": v.Errors(),
		})
		return
	}

	// Hash password
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "failed to hash password", http.StatusInternalServerError)
		return
	}

	// Create admin user
	result, err := s.db.Exec(`
		INSERT INTO users (username, email, password_hash, role, must_change_password, created_at)
		VALUES (?, ?, ?, 'admin', FALSE, datetime('now'))
	`, req.Username, req.Email, string(passwordHash))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			http.Error(w, "username or email already exists", http.StatusConflict)
			return
		}
		http.Error(w, "failed to create user", http.StatusInternalServerError)
		return
	}

	userID, _ := result.LastInsertId()

	s.logAudit(userID, req.Username, "setup_complete", "user", fmt.Sprintf("%d", userID),
		"Initial setup completed - admin user created", "success", r.RemoteAddr)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Setup completed successfully. You can now log in.",
		"user": map[string]interface{}{
			"id":       userID,
			"username": req.Username,
			"email":    req.Email,
			"role":     "admin",
		},
	})
}

// Dashboard stats

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{}

	if n, err := s.users.Count(); err == nil {
		stats["accounts"] = n
	} else {
		log.Warn().Err(err).Msg("failed to count accounts")
		stats["accounts"] = nil
	}
	if n, err := s.lists.Count(); err == nil {
		stats["lists"] = n
	} else {
		log.Warn().Err(err).Msg("failed to count lists")
		stats["lists"] = nil
	}
	if aliases, err := s.aliases.FindAll(); err == nil {
		stats["aliases"] = len(aliases)
	} else {
		stats["aliases"] = nil
	}
	if entries, err := s.blacklist.FindAll(); err == nil {
		stats["blacklisted"] = len(entries)
	} else {
		stats["blacklisted"] = nil
	}
	if summary, err := s.queue.Summary(); err == nil {
		stats["queue"] = summary
	} else {
		stats["queue"] = nil
	}
	stats["authCache"] = s.authCache.Stats()

	writeJSON(w, http.StatusOK, stats)
}

// Directory connectivity probe

func (s *Server) testDirectory(w http.ResponseWriter, r *http.Request) {
	result := s.dir.Test()

	if u := GetUser(r.Context()); u != nil {
		status := "success"
		if !result.Success {
			status = "failed"
		}
		s.logAudit(u.ID, u.Username, "directory_test", "directory", "", result.Message, status, r.RemoteAddr)
	}

	writeJSON(w, http.StatusOK, result)
}

// Queue handlers

func (s *Server) getQueueSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.queue.Summary()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) getQueueMessages(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")
	messages, err := s.queue.ListMessages(statusFilter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"total":    len(messages),
	})
}

func (s *Server) flushQueue(w http.ResponseWriter, r *http.Request) {
	result := s.queue.Flush()

	if u := GetUser(r.Context()); u != nil {
		status := "success"
		if !result.Reloaded {
			status = "failed"
		}
		s.logAudit(u.ID, u.Username, "queue_flush", "queue", "", "Flushed mail queue", status, r.RemoteAddr)
	}

	writeJSON(w, http.StatusOK, result)
}

// Audit log

func (s *Server) getAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	rows, err := s.db.Query(`
		SELECT id, timestamp, user_id, username, action, resource_type, resource_id, summary, status, ip_address
		FROM audit_log
		ORDER BY timestamp DESC
		LIMIT ?
	`, limit)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	var entries []map[string]interface{}
	for rows.Next() {
		var id, userID int64
		var timestamp, username, action, resourceType, resourceID, summary, status, ipAddress string

		if err := rows.Scan(&id, &timestamp, &userID, &username, &action, &resourceType, &resourceID, &summary, &status, &ipAddress); err != nil {
			continue
		}

		entries = append(entries, map[string]interface{}{
			"id":           id,
			"timestamp":    timestamp,
			"userId":       userID,
			"username":     username,
			"action":       action,
			"resourceType": resourceType,
			"resourceId":   resourceID,
			"summary":      summary,
			"status":       status,
			"ipAddress":    ipAddress,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}

// Console user management handlers

func (s *Server) getUsers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(`
		SELECT id, username, email, role, last_login, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	var users []map[string]interface{}
	for rows.Next() {
		var id int64
		var username, email, role string
		var lastLogin, createdAt *string

		if err := rows.Scan(&id, &username, &email, &role, &lastLogin, &createdAt); err != nil {
			continue
		}

		user := map[string]interface{}{
			"id":        id,
			"username":  username,
			"email":     email,
			"role":      role,
			"createdAt": createdAt,
		}
		if lastLogin != nil {
			user["lastLogin"] = *lastLogin
		}

		users = append(users, user)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
	})
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	// Validate
	if req.Username == "" || req.Email == "" || req.Password == "" || req.Role == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}

	if req.Role != "admin" && req.Role != "operator" && req.Role != "auditor" {
		http.Error(w, "invalid role", http.StatusBadRequest)
		return
	}

	// Hash password
	hashedPassword, err := hashPassword(req.Password)
	if err != nil {
		http.Error(w, "failed to hash password", http.StatusInternalServerError)
		return
	}

	// Insert user
	result, err := s.db.Exec(`
		INSERT INTO users (username, email, password_hash, role, must_change_password)
		VALUES (?, ?, ?, ?, FALSE)
	`, req.Username, req.Email, hashedPassword, req.Role)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			http.Error(w, "username or email already exists", http.StatusConflict)
			return
		}
		http.Error(w, "failed to create user", http.StatusInternalServerError)
		return
	}

	id, _ := result.LastInsertId()

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "user_create", "user", fmt.Sprintf("%d", id), "Created user "+req.Username, "success", r.RemoteAddr)
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       id,
		"username": req.Username,
		"email":    req.Email,
		"role":     req.Role,
	})
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var user struct {
		ID        int64
		Username  string
		Email     string
		Role      string
		LastLogin *string
		CreatedAt string
	}

	err := s.db.QueryRow(`
		SELECT id, username, email, role, last_login, created_at
		FROM users WHERE id = ?
	`, id).Scan(&user.ID, &user.Username, &user.Email, &user.Role, &user.LastLogin, &user.CreatedAt)

	if err != nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}

	resp := map[string]interface{}{
		"id":        user.ID,
		"username":  user.Username,
		"email":     user.Email,
		"role":      user.Role,
		"createdAt": user.CreatedAt,
	}
	if user.LastLogin != nil {
		resp["lastLogin"] = *user.LastLogin
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Email string  `json:"email,omitempty"`
		Role  *string `json:"role,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Email != "" {
		_, err := s.db.Exec(`UPDATE users SET email = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, req.Email, id)
		if err != nil {
			http.Error(w, "failed to update user", http.StatusInternalServerError)
			return
		}
	}

	if req.Role != nil {
		if *req.Role != "admin" && *req.Role != "operator" && *req.Role != "auditor" {
			http.Error(w, "invalid role", http.StatusBadRequest)
			return
		}
		_, err := s.db.Exec(`UPDATE users SET role = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, *req.Role, id)
		if err != nil {
			http.Error(w, "failed to update user", http.StatusInternalServerError)
			return
		}
	}

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "user_update", "user", id, "Updated user "+id, "success", r.RemoteAddr)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Don't allow deleting yourself
	if u := GetUser(r.Context()); u != nil && fmt.Sprintf("%d", u.ID) == id {
		http.Error(w, "cannot delete your own account", http.StatusBadRequest)
		return
	}

	// Check if this is the last admin
	var adminCount int
	s.db.QueryRow(`SELECT COUNT(*) FROM users WHERE role = 'admin'`).Scan(&adminCount)

	var userRole string
	s.db.QueryRow(`SELECT role FROM users WHERE id = ?`, id).Scan(&userRole)

	if userRole == "admin" && adminCount <= 1 {
		http.Error(w, "cannot delete the last admin user", http.StatusBadRequest)
		return
	}

	_, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		http.Error(w, "failed to delete user", http.StatusInternalServerError)
		return
	}

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "user_delete", "user", id, "Deleted user "+id, "success", r.RemoteAddr)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resetPassword(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		http.Error(w, "password is required", http.StatusBadRequest)
		return
	}

	if len(req.Password) < 12 {
		http.Error(w, "password must be at least 12 characters", http.StatusBadRequest)
		return
	}

	hashedPassword, err := hashPassword(req.Password)
	if err != nil {
		http.Error(w, "failed to hash password", http.StatusInternalServerError)
		return
	}

	_, err = s.db.Exec(`
		UPDATE users SET password_hash = ?, must_change_password = TRUE, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, hashedPassword, id)
	if err != nil {
		http.Error(w, "failed to reset password", http.StatusInternalServerError)
		return
	}

	// Stale cached verdicts for the old password must not keep working
	var username string
	if err := s.db.QueryRow(`SELECT username FROM users WHERE id = ?`, id).Scan(&username); err == nil {
		s.authCache.InvalidateUser(username)
	}

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "password_reset", "user", id, "Reset password for user "+id, "success", r.RemoteAddr)
	}

	w.WriteHeader(http.StatusNoContent)
}

// Helper function to hash passwords
func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// Settings handlers

func (s *Server) getSystemSettings(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			continue
		}
		settings[key] = value
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"settings": settings,
	})
}

func (s *Server) updateSystemSettings(w http.ResponseWriter, r *http.Request) {
	var settings map[string]string
	if !decodeBody(w, r, &settings) {
		return
	}

	for key, value := range settings {
		_, err := s.db.Exec(`
			INSERT OR REPLACE INTO settings (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
		`, key, value)
		if err != nil {
			http.Error(w, "failed to update settings", http.StatusInternalServerError)
			return
		}
	}

	if u := GetUser(r.Context()); u != nil {
		s.logAudit(u.ID, u.Username, "settings_update", "settings", "", "Updated system settings", "success", r.RemoteAddr)
	}

	w.WriteHeader(http.StatusNoContent)
}

// logAudit writes an audit entry without a request object on hand.
func (s *Server) logAudit(userID int64, username, action, resourceType, resourceID, summary, status, ipAddress string) {
	_, err := s.db.Exec(`
		INSERT INTO audit_log (user_id, username, action, resource_type, resource_id, summary, status, ip_address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, userID, username, action, resourceType, resourceID, summary, status, ipAddress)

	if err != nil {
		log.Error().Err(err).Msg("failed to write audit log")
	}
}
