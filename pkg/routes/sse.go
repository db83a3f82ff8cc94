package routes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// waveEvents streams wave updates to a connected viewer over SSE. Each
// notification re-sends the wave's current ping set; duplicates collapse in
// the notifier's buffered channel.
func (fr *FederationRouter) waveEvents(w http.ResponseWriter, r *http.Request) {
	waveID := mux.Vars(r)["id"]

	wave, err := fr.storage.Waves.GetByID(waveID)
	if err != nil || wave == nil {
		http.Error(w, "No such wave", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	notifyCh := fr.Notifier.Subscribe(waveID)
	defer fr.Notifier.Unsubscribe(waveID, notifyCh)

	ctx := r.Context()

	ticker := time.NewTicker(30 * time.Second) // Heartbeat to keep connection alive
	defer ticker.Stop()

	sendPingsUpdate := func() error {
		local, err := fr.storage.Pings.GetByWave(waveID)
		if err != nil {
			return err
		}
		remote, err := fr.storage.RemotePings.GetByWave(waveID)
		if err != nil {
			return err
		}
		data, err := json.Marshal(map[string]any{"pings": local, "remotePings": remote})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: pings\ndata: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := sendPingsUpdate(); err != nil {
		slog.Error("sending initial wave state", "wave", waveID, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-notifyCh:
			if err := sendPingsUpdate(); err != nil {
				slog.Debug("wave event stream closed", "wave", waveID, "error", err)
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
