package postfix

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// QueueMessage is one entry of the Postfix queue as reported by mailq.
type QueueMessage struct {
	QueueID     string    `json:"queueId"`
	Status      string    `json:"status"` // active, deferred, hold
	Size        int64     `json:"size"`
	ArrivalTime time.Time `json:"arrivalTime"`
	Sender      string    `json:"sender"`
	Recipients  []string  `json:"recipients"`
	Reason      string    `json:"reason,omitempty"`
}

// QueueSummary is the per-status message count shown on the dashboard.
type QueueSummary struct {
	Active   int `json:"active"`
	Deferred int `json:"deferred"`
	Hold     int `json:"hold"`
	Total    int `json:"total"`
}

// QueueInspector reads the mail queue through mailq and postqueue.
type QueueInspector struct {
	run Runner
}

// NewQueueInspector builds an inspector that executes real commands.
func NewQueueInspector() *QueueInspector {
	return &QueueInspector{run: execRunner}
}

var (
	// Queue ID, optional status marker (* active, ! hold), size, arrival
	// time, sender.
	mailqHeaderRegex    = regexp.MustCompile(`^([A-F0-9]{10,12})([*!]?)\s+(\d+)\s+(.+?)\s{2,}(\S+)$`)
	mailqReasonRegex    = regexp.MustCompile(`^\s*\((.+)\)$`)
	mailqRecipientRegex = regexp.MustCompile(`^\s+(\S+@\S+)$`)
)

// ListMessages returns the queued messages, optionally filtered by status.
func (q *QueueInspector) ListMessages(statusFilter string) ([]QueueMessage, error) {
	out, err := q.run("mailq")
	if err != nil && len(out) == 0 {
		// mailq exits nonzero on an empty queue.
		return []QueueMessage{}, nil
	}

	messages := parseMailq(string(out))
	if statusFilter == "" {
		return messages, nil
	}
	filtered := make([]QueueMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Status == statusFilter {
			filtered = append(filtered, msg)
		}
	}
	return filtered, nil
}

// Summary counts queued messages per status.
func (q *QueueInspector) Summary() (QueueSummary, error) {
	messages, err := q.ListMessages("")
	if err != nil {
		return QueueSummary{}, err
	}
	var s QueueSummary
	for _, msg := range messages {
		switch msg.Status {
		case "active":
			s.Active++
		case "deferred":
			s.Deferred++
		case "hold":
			s.Hold++
		}
	}
	s.Total = len(messages)
	return s, nil
}

// Flush asks Postfix to attempt delivery of every queued message.
func (q *QueueInspector) Flush() ReloadResult {
	if out, err := q.run("postqueue", "-f"); err != nil {
		return ReloadResult{Error: commandError("postqueue -f", out, err), ManualCommand: "postqueue -f"}
	}
	return ReloadResult{Reloaded: true}
}

func parseMailq(output string) []QueueMessage {
	var messages []QueueMessage
	var current *QueueMessage

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || strings.HasPrefix(line, "-Queue ID-") ||
			strings.HasPrefix(line, "-- ") || strings.Contains(line, "Mail queue is empty") {
			continue
		}

		if m := mailqHeaderRegex.FindStringSubmatch(line); m != nil {
			if current != nil {
				messages = append(messages, *current)
			}
			status := "deferred"
			switch m[2] {
			case "*":
				status = "active"
			case "!":
				status = "hold"
			}
			size, _ := strconv.ParseInt(m[3], 10, 64)
			arrival, _ := time.Parse("Mon Jan _2 15:04:05", m[4])
			if arrival.Year() == 0 {
				arrival = arrival.AddDate(time.Now().Year(), 0, 0)
			}
			current = &QueueMessage{
				QueueID:     m[1],
				Status:      status,
				Size:        size,
				ArrivalTime: arrival,
				Sender:      m[5],
				Recipients:  []string{},
			}
			continue
		}

		if current == nil {
			continue
		}
		if m := mailqReasonRegex.FindStringSubmatch(line); m != nil {
			current.Reason = m[1]
			continue
		}
		if m := mailqRecipientRegex.FindStringSubmatch(line); m != nil {
			current.Recipients = append(current.Recipients, m[1])
		}
	}
	if current != nil {
		messages = append(messages, *current)
	}
	return messages
}
