package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vovakirdan/chatsync/internal/utils"
)

// handleStream serves the server-sent events stream. Each event is one line
// "data:  {json}" followed by a blank line, like the real backend.
func (s *Server) handleStream(c *gin.Context) {
	id := utils.NewID()
	ch := make(chan []byte, 16)

	s.mu.Lock()
	s.streams[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, id)
		s.mu.Unlock()
	}()

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case frame := <-ch:
			if _, err := fmt.Fprintf(w, "data:  %s\n\n", frame); err != nil {
				return
			}
			w.Flush()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// Publish sends {"type": eventType, "data": data} to every open stream.
func (s *Server) Publish(eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	frame, err := json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{eventType, payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return s.PublishRaw(frame)
}

// PublishRaw sends frame verbatim as the data of one event.
func (s *Server) PublishRaw(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.streams {
		select {
		case ch <- frame:
		default:
			s.log.Warn().Str("stream", id).Msg("stream buffer full, dropping event")
		}
	}
	return nil
}

// Streams returns the number of open event streams.
func (s *Server) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}
