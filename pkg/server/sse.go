// Copyright 2026 Galen Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/galenhq/galen/pkg/runtime"
	"github.com/galenhq/galen/pkg/storage"
)

// handleEvents streams turn events over SSE. Catch-up first: the durable
// row is emitted as a status frame, then live bus frames are forwarded
// until a terminal frame. Consumers reconnecting mid-turn resume from
// the persisted prefix without losing it.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before reading the row: a frame published between the
	// snapshot read and the subscription would otherwise be in neither.
	// The snapshot may then overlap the live stream; duplication is
	// reconcilable, loss is not.
	frames, cancel := s.bus.Subscribe(runtime.Channel(messageID))
	defer cancel()

	row, err := s.store.GetMessage(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	send := func(frame []byte) {
		fmt.Fprintf(w, "data: %s\n\n", frame)
		flusher.Flush()
	}

	send(runtime.StatusFrame(row))
	if row.Status.IsTerminal() {
		send(runtime.DoneFrame())
		return
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case frame, open := <-frames:
			if !open {
				// Publisher closed the channel; the terminal frame may
				// have been missed, so resolve from the durable row.
				s.sendTerminalFromRow(r.Context(), messageID, send)
				return
			}
			send(frame)
			if isTerminalFrame(frame) {
				return
			}

		case <-ticker.C:
			// Bounded wait keeps the stream interruptible and recovers
			// turns whose terminal frame was dropped under backpressure.
			current, err := s.store.GetMessage(r.Context(), messageID)
			if err != nil {
				continue
			}
			if current.Status.IsTerminal() {
				send(runtime.StatusFrame(current))
				send(runtime.DoneFrame())
				return
			}
		}
	}
}

func (s *Server) sendTerminalFromRow(ctx context.Context, messageID string, send func([]byte)) {
	row, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		send(runtime.ErrorFrame("stream closed before a terminal event"))
		return
	}
	send(runtime.StatusFrame(row))
	if row.Status == storage.StatusCompleted {
		send(runtime.DoneFrame())
		return
	}
	message := row.ErrorMessage
	if message == "" {
		message = "turn did not complete"
	}
	send(runtime.ErrorFrame(message))
}

func isTerminalFrame(frame []byte) bool {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return false
	}
	return head.Type == "done" || head.Type == "error"
}
