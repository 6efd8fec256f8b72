package api

import (
	"net/http"
	"os/exec"
	"strings"

	"github.com/mailad/mailadmin/internal/antivirus"
	"github.com/mailad/mailadmin/internal/postfix"
	"github.com/rs/zerolog/log"
)

type statusResponse struct {
	Postfix   postfixStatus        `json:"postfix"`
	Queue     postfix.QueueSummary `json:"queue"`
	Antivirus antivirus.Status     `json:"antivirus"`
}

type postfixStatus struct {
	Running bool   `json:"running"`
	Version string `json:"version"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.queue.Summary()
	if err != nil {
		log.Debug().Err(err).Msg("failed to read queue summary")
	}

	resp := statusResponse{
		Postfix:   s.getPostfixStatus(),
		Queue:     summary,
		Antivirus: s.av.GetStatus(),
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getPostfixStatus() postfixStatus {
	status := postfixStatus{
		Running: false,
		Version: "unknown",
	}

	out, err := exec.Command("systemctl", "is-active", "postfix").Output()
	if err == nil && strings.TrimSpace(string(out)) == "active" {
		status.Running = true
	}

	out, err = exec.Command("postconf", "-d", "mail_version").Output()
	if err == nil {
		parts := strings.SplitN(string(out), "=", 2)
		if len(parts) == 2 {
			status.Version = strings.TrimSpace(parts[1])
		}
	}

	return status
}
