package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/kwv/tudolapse/stabilize"
)

const maxJobBody = 16 << 20

// newHTTPServer creates the router with all endpoints
func newHTTPServer(a *App) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status        string         `json:"status"`
			Timestamp     time.Time      `json:"timestamp"`
			Frames        map[string]int `json:"frames"`
			MQTTConnected bool           `json:"mqttConnected"`
		}{
			Status:        "ok",
			Timestamp:     time.Now(),
			Frames:        a.Tracker.Counts(),
			MQTTConnected: a.MQTTClient != nil && a.MQTTClient.IsConnected(),
		}
		writeJSON(w, http.StatusOK, status)
	}).Methods(http.MethodGet)

	router.HandleFunc("/results", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		results, err := a.Store.ListResults(limit)
		if err != nil {
			log.Printf("[HTTP] Error listing results: %v", err)
			http.Error(w, "Error listing results", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, results)
	}).Methods(http.MethodGet)

	router.HandleFunc("/results/{frameId}", func(w http.ResponseWriter, r *http.Request) {
		result, ok := loadResult(w, a.Store, mux.Vars(r)["frameId"])
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, result)
	}).Methods(http.MethodGet)

	router.HandleFunc("/results/{frameId}", func(w http.ResponseWriter, r *http.Request) {
		err := a.Store.DeleteResult(mux.Vars(r)["frameId"])
		if errors.Is(err, stabilize.ErrResultNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "Error deleting result", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	router.HandleFunc("/results/{frameId}/overlay.{format:svg|png}", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		result, ok := loadResult(w, a.Store, vars["frameId"])
		if !ok {
			return
		}
		renderer := stabilize.NewOverlayRenderer(result)
		var err error
		if vars["format"] == "png" {
			w.Header().Set("Content-Type", "image/png")
			err = renderer.RenderToPNG(w)
		} else {
			w.Header().Set("Content-Type", "image/svg+xml")
			err = renderer.RenderToSVG(w)
		}
		if err != nil {
			log.Printf("[HTTP] Error rendering overlay for %s: %v", result.FrameID, err)
		}
	}).Methods(http.MethodGet)

	router.HandleFunc("/failures", func(w http.ResponseWriter, r *http.Request) {
		counts, err := a.Store.FailureCounts()
		if err != nil {
			http.Error(w, "Error counting failures", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	}).Methods(http.MethodGet)

	router.HandleFunc("/frames", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.Tracker.All())
	}).Methods(http.MethodGet)

	router.HandleFunc("/frames/{frameId}", func(w http.ResponseWriter, r *http.Request) {
		status, ok := a.Tracker.Get(mux.Vars(r)["frameId"])
		if !ok {
			http.Error(w, "Unknown frame", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}).Methods(http.MethodGet)

	router.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxJobBody))
		if err != nil {
			http.Error(w, "Error reading body", http.StatusBadRequest)
			return
		}
		job, err := stabilize.ParseFrameJob(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := a.Enqueue(job); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"frameId": job.FrameID, "state": "queued"})
	}).Methods(http.MethodPost)

	if a.Hub != nil {
		router.HandleFunc("/progress", a.Hub.ServeWS).Methods(http.MethodGet)
	}

	return router
}

func loadResult(w http.ResponseWriter, store *stabilize.Store, frameID string) (*stabilize.StabilizationResult, bool) {
	result, err := store.GetResult(frameID)
	if errors.Is(err, stabilize.ErrResultNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		log.Printf("[HTTP] Error loading %s: %v", frameID, err)
		http.Error(w, "Error loading result", http.StatusInternalServerError)
		return nil, false
	}
	return result, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Error encoding response: %v", err)
	}
}
