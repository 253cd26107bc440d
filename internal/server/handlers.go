package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/groundline/codescout/internal/events"
	"github.com/groundline/codescout/internal/queue"
)

const maxWebhookBody = 1 << 20

// pushPayload is the subset of a push webhook body worth keeping.
type pushPayload struct {
	Repository struct {
		Name     string `json:"name"`
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
}

// handlePushWebhook verifies the HMAC signature over the raw body and
// publishes the normalized event to the durable topic. A request that fails
// verification produces no side effect at all.
func (s *Server) handlePushWebhook(w http.ResponseWriter, r *http.Request) {
	if s.config.WebhookSecret == "" {
		s.respondError(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("webhook rejected: bad signature",
			zap.String("remote", r.RemoteAddr))
		s.respondError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Repository.FullName == "" {
		s.respondError(w, http.StatusBadRequest, "repository.full_name is required")
		return
	}

	event := events.PushEvent{
		RepositoryName: payload.Repository.Name,
		FullName:       payload.Repository.FullName,
		CloneURL:       payload.Repository.CloneURL,
	}
	if err := s.publisher.Publish(r.Context(), event); err != nil {
		s.logger.Error("webhook publish failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to accept event")
		return
	}
	s.logger.Info("push event accepted", zap.String("repository", event.FullName))
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"repository": event.FullName,
		"status":     "accepted",
	})
}

// verifySignature checks an X-Hub-Signature-256 header ("sha256=<hex>")
// against the HMAC-SHA256 of body under the shared secret, in constant time.
func (s *Server) verifySignature(body []byte, header string) bool {
	sigHex, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.config.WebhookSecret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// repoStatus is one repository's slice of the status response.
type repoStatus struct {
	Queue            map[string]int64 `json:"queue"`
	EnqueueCompleted bool             `json:"enqueue_completed"`
}

// handleStatus reports the queues of every configured repository plus
// aggregate totals. The top-level completion flag is true only when every
// repository has finished enqueueing.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var total queue.Stats
	completed := len(s.stores) > 0
	repos := make(map[string]repoStatus, len(s.stores))
	for name, store := range s.stores {
		stats, err := store.Counts(ctx)
		if err != nil {
			s.logger.Error("status: count queue items failed",
				zap.String("repository", name), zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		done, err := store.IsEnqueueCompleted(ctx)
		if err != nil {
			s.logger.Error("status: read completion sentinel failed",
				zap.String("repository", name), zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		total.Pending += stats.Pending
		total.Leased += stats.Leased
		total.Done += stats.Done
		total.Dead += stats.Dead
		completed = completed && done
		repos[name] = repoStatus{
			Queue: map[string]int64{
				"pending": stats.Pending,
				"leased":  stats.Leased,
				"done":    stats.Done,
				"dead":    stats.Dead,
			},
			EnqueueCompleted: done,
		}
	}
	resp := map[string]interface{}{
		"queue": map[string]int64{
			"pending": total.Pending,
			"leased":  total.Leased,
			"done":    total.Done,
			"dead":    total.Dead,
		},
		"enqueue_completed": completed,
		"repositories":      repos,
	}
	if s.counter != nil {
		if n, err := s.counter.DocCount(); err == nil {
			resp["indexed_documents"] = n
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
