package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"paperminder/server/bitmap"
	"paperminder/server/sanitize"
	"paperminder/server/storage"
	"paperminder/server/ws"
)

type printBitmapRequest struct {
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Data    string `json:"data"`
	Caption string `json:"caption,omitempty"`
}

// handlePrintBitmap pushes a monochrome bitmap to an online printer over its
// live sessions. Bitmaps are never cached; an offline printer is a 409.
func (s *Server) handlePrintBitmap(w http.ResponseWriter, r *http.Request, printerID string) {
	var req printBitmapRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 256*1024)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := bitmap.Decode(req.Width, req.Height, req.Data); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.dispatchBitmap(w, r, printerID, &ws.PrintBitmap{
		Kind:    ws.KindPrintBitmap,
		Width:   req.Width,
		Height:  req.Height,
		Data:    req.Data,
		Caption: sanitize.Message(req.Caption),
	})
}

// handlePrintTestPattern sends a generated checkerboard so a printer's
// alignment and density can be checked without uploading an image.
func (s *Server) handlePrintTestPattern(w http.ResponseWriter, r *http.Request, printerID string) {
	const width, height = 384, 128

	s.dispatchBitmap(w, r, printerID, &ws.PrintBitmap{
		Kind:    ws.KindPrintBitmap,
		Width:   width,
		Height:  height,
		Data:    bitmap.Encode(bitmap.TestPattern(width, height)),
		Caption: "Test pattern",
	})
}

func (s *Server) dispatchBitmap(w http.ResponseWriter, r *http.Request, printerID string, frame *ws.PrintBitmap) {
	if _, err := s.store.GetPrinter(r.Context(), printerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "printer not found")
			return
		}
		logError("Failed to look up printer for bitmap dispatch",
			"printer_id", printerID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	if !s.registry.IsConnected(printerID) {
		writeJSONError(w, http.StatusConflict, "printer is offline")
		return
	}

	delivered := s.registry.Broadcast(printerID, frame, s.sendTimeout)
	if delivered == 0 {
		// Sessions dropped between the connectivity check and the write.
		writeJSONError(w, http.StatusConflict, "bitmap send failed, printer disconnected")
		return
	}

	logInfo("Bitmap dispatched",
		"printer_id", printerID, "width", frame.Width, "height", frame.Height,
		"sessions", delivered)
	writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}
