package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"paperminder/server/platform"
	"paperminder/server/storage"

	"github.com/Masterminds/semver/v3"
)

// handleFirmwareList returns firmware metadata without blobs.
func (s *Server) handleFirmwareList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	versions, err := s.store.ListFirmwareVersions(r.Context())
	if err != nil {
		logError("Failed to list firmware versions", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

// handleFirmwareUpload accepts a multipart firmware binary plus metadata
// fields. Checksums are computed server-side.
func (s *Server) handleFirmwareUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	maxSize := s.cfg.Firmware.MaxFirmwareSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+1024*1024)
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	version := strings.TrimSpace(r.FormValue("version"))
	if version == "" {
		writeJSONError(w, http.StatusBadRequest, "version is required")
		return
	}
	if _, err := semver.NewVersion(version); err != nil {
		writeJSONError(w, http.StatusBadRequest, "version is not valid semver")
		return
	}

	plat := platform.Normalize(r.FormValue("platform"))
	if plat == "" {
		writeJSONError(w, http.StatusBadRequest, "platform is required")
		return
	}

	channel := strings.TrimSpace(r.FormValue("channel"))
	if channel == "" {
		channel = storage.ChannelStable
	}
	switch channel {
	case storage.ChannelStable, storage.ChannelBeta, storage.ChannelCanary:
	default:
		writeJSONError(w, http.StatusBadRequest, "unknown channel "+channel)
		return
	}

	file, header, err := r.FormFile("firmware")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "firmware file is required")
		return
	}
	defer file.Close()

	// Read one byte past the cap so an exactly-max upload is accepted and
	// anything larger is rejected without buffering the whole excess.
	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read firmware file")
		return
	}
	if int64(len(data)) > maxSize {
		writeJSONError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("firmware exceeds %d byte limit", maxSize))
		return
	}
	if len(data) == 0 {
		writeJSONError(w, http.StatusBadRequest, "firmware file is empty")
		return
	}

	fw := &storage.FirmwareVersion{
		Version:           version,
		Platform:          plat,
		Channel:           channel,
		FileName:          filepath.Base(header.Filename),
		FileSize:          int64(len(data)),
		MD5:               storage.MD5Hex(data),
		SHA256:            storage.SHA256Hex(data),
		Data:              data,
		ReleaseNotes:      r.FormValue("release_notes"),
		MinUpgradeVersion: strings.TrimSpace(r.FormValue("min_upgrade_version")),
		CreatedAt:         time.Now().UTC(),
	}

	if err := s.store.CreateFirmwareVersion(r.Context(), fw); err != nil {
		logError("Failed to store firmware version",
			"version", version, "platform", plat, "error", err)
		writeJSONError(w, http.StatusConflict, "firmware version already exists or store failed")
		return
	}

	logInfo("Firmware uploaded",
		"version", version, "platform", plat, "channel", channel,
		"size", fw.FileSize, "md5", fw.MD5)

	fw.Data = nil
	writeJSON(w, http.StatusCreated, fw)
}

// handleFirmwareDownload serves a firmware blob at
// /api/firmware/download/{version}?platform={platform}. Printers verify the
// body against the checksum headers before flashing.
func (s *Server) handleFirmwareDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	version := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/firmware/download/"), "/")
	if version == "" {
		writeJSONError(w, http.StatusBadRequest, "version is required")
		return
	}
	plat := platform.Normalize(r.URL.Query().Get("platform"))
	if plat == "" {
		writeJSONError(w, http.StatusBadRequest, "platform query parameter is required")
		return
	}

	fw, err := s.store.GetFirmwareVersion(r.Context(), version, plat)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "firmware version not found")
			return
		}
		logError("Failed to load firmware blob",
			"version", version, "platform", plat, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "download failed")
		return
	}

	if err := s.store.IncrementFirmwareDownloads(r.Context(), fw.ID); err != nil {
		logWarn("Failed to count firmware download",
			"version", version, "platform", plat, "error", err)
	}

	logInfo("Firmware download",
		"version", version, "platform", plat, "size", fw.FileSize, "ip", getRealIP(r))

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+fw.FileName+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(fw.FileSize, 10))
	w.Header().Set("X-MD5", fw.MD5)
	w.Header().Set("X-SHA256", fw.SHA256)
	w.Write(fw.Data)
}
