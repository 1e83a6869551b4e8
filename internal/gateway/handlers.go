package gateway

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := false
	var stats map[string]any
	if s.backend != nil {
		if got, err := s.backend.SystemStats(r.Context()); err == nil {
			connected = true
			stats = got
		}
	}

	body := map[string]any{
		"status": "ok",
		"comfyui": map[string]any{
			"connected": connected,
			"url":       s.cfg.ComfyUI.BaseURL,
			"stats":     stats,
		},
		"llm": map[string]any{
			"model": s.cfg.LLM.Model,
		},
	}
	if s.catalog != nil {
		body["node_index"] = map[string]any{
			"built":      s.catalog.IsBuilt(),
			"node_count": s.catalog.NodeCount(),
			"categories": len(s.catalog.Categories()),
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Title == "" {
		body.Title = "New Session"
	}

	id, err := s.store.Create(body.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"title":      body.Title,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	if err := s.store.Delete(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	messages, err := s.store.Messages(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"items":      MessagesToChatItems(messages),
	})
}

// handleChat is the blocking chat endpoint: one message in, the final answer
// out. Streaming clients use the websocket instead.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	sessionID := body.SessionID
	if sessionID == "" {
		id, err := s.store.Create("API Session")
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		sessionID = id
	}

	response, err := s.agent.Run(r.Context(), sessionID, body.Message)
	if err != nil {
		s.logger.Error("chat failed", "session_id", sessionID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":      err.Error(),
			"session_id": sessionID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"response":   response,
	})
}

// configView is the safe subset of the configuration exposed over the API.
// Credentials never appear here.
type configView struct {
	ComfyUI struct {
		BaseURL string `json:"base_url"`
		WSURL   string `json:"ws_url"`
	} `json:"comfyui"`
	LLM struct {
		Provider    string  `json:"provider"`
		Model       string  `json:"model"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float64 `json:"temperature"`
	} `json:"llm"`
	Agent struct {
		MaxIterations int `json:"max_iterations"`
		PromptBudget  int `json:"prompt_budget"`
	} `json:"agent"`
}

func (s *Server) currentConfigView() configView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var v configView
	v.ComfyUI.BaseURL = s.cfg.ComfyUI.BaseURL
	v.ComfyUI.WSURL = s.cfg.ComfyUI.WSURL
	v.LLM.Provider = s.cfg.LLM.Provider
	v.LLM.Model = s.cfg.LLM.Model
	v.LLM.MaxTokens = s.cfg.LLM.MaxTokens
	v.LLM.Temperature = s.cfg.LLM.Temperature
	v.Agent.MaxIterations = s.cfg.Agent.MaxIterations
	v.Agent.PromptBudget = s.cfg.Agent.PromptBudget
	return v
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentConfigView())
}

// handlePutConfig updates the tunable subset and persists it to the config
// file so the values survive a restart. Connection settings and credentials
// require a restart on purpose.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LLM struct {
			Model       *string  `json:"model"`
			MaxTokens   *int     `json:"max_tokens"`
			Temperature *float64 `json:"temperature"`
		} `json:"llm"`
		Agent struct {
			MaxIterations *int `json:"max_iterations"`
		} `json:"agent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	if body.LLM.Model != nil && *body.LLM.Model != "" {
		s.cfg.LLM.Model = *body.LLM.Model
	}
	if body.LLM.MaxTokens != nil && *body.LLM.MaxTokens > 0 {
		s.cfg.LLM.MaxTokens = *body.LLM.MaxTokens
	}
	if body.LLM.Temperature != nil && *body.LLM.Temperature >= 0 {
		s.cfg.LLM.Temperature = *body.LLM.Temperature
	}
	if body.Agent.MaxIterations != nil && *body.Agent.MaxIterations > 0 {
		s.cfg.Agent.MaxIterations = *body.Agent.MaxIterations
	}
	err := s.cfg.SaveTunables()
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("failed to persist config", "err", err)
		writeError(w, http.StatusInternalServerError, "config updated but not persisted")
		return
	}

	writeJSON(w, http.StatusOK, s.currentConfigView())
}
