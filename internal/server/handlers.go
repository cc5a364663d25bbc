package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/MrWong99/meetrec/internal/encoder"
	"github.com/MrWong99/meetrec/internal/observe"
	"github.com/MrWong99/meetrec/internal/session"
)

// optionsRequest is the JSON body of start and configure requests. Absent
// fields keep their current value.
type optionsRequest struct {
	Format            *string `json:"format"`
	BitRate           *int    `json:"bit_rate"`
	TimeLimit         *int    `json:"time_limit"`
	ProgressInterval  *int    `json:"progress_interval_ms"`
	EncodeAfterRecord *bool   `json:"encode_after_record"`
}

func (o optionsRequest) override() (encoder.Override, error) {
	var ov encoder.Override
	if o.Format != nil {
		f, err := encoder.ParseFormat(*o.Format)
		if err != nil {
			return ov, err
		}
		ov.Format = &f
	}
	if o.TimeLimit != nil {
		if *o.TimeLimit < 0 {
			return ov, fmt.Errorf("%w: time_limit must not be negative", encoder.ErrInvalidOptions)
		}
		ov.TimeLimit = encoder.Ptr(time.Duration(*o.TimeLimit) * time.Second)
	}
	if o.ProgressInterval != nil {
		ov.ProgressInterval = encoder.Ptr(time.Duration(*o.ProgressInterval) * time.Millisecond)
	}
	ov.BitRate = o.BitRate
	ov.EncodeAfterRecord = o.EncodeAfterRecord
	return ov, nil
}

type sessionResponse struct {
	Key               string    `json:"key"`
	ID                string    `json:"id"`
	Mode              string    `json:"mode"`
	State             string    `json:"state"`
	Format            string    `json:"format"`
	EncoderLoaded     bool      `json:"encoder_loaded"`
	Mixing            bool      `json:"mixing"`
	Capturing         bool      `json:"capturing"`
	Frames            int       `json:"frames"`
	RecordedSeconds   float64   `json:"recorded_seconds"`
	TimeLimitSeconds  float64   `json:"time_limit_seconds"`
	BitRate           int       `json:"bit_rate"`
	EncodeAfterRecord bool      `json:"encode_after_record"`
	StartedAt         time.Time `json:"started_at"`
}

func toResponse(info session.Info) sessionResponse {
	return sessionResponse{
		Key:               info.Key,
		ID:                info.ID,
		Mode:              info.Mode,
		State:             info.Status.State.String(),
		Format:            string(info.Options.Format),
		EncoderLoaded:     info.Status.EncoderLoaded,
		Mixing:            info.Status.Mixing,
		Capturing:         info.Status.Capturing,
		Frames:            info.Status.Frames,
		RecordedSeconds:   info.Status.Recorded.Seconds(),
		TimeLimitSeconds:  info.Options.TimeLimit.Seconds(),
		BitRate:           info.Options.BitRate,
		EncodeAfterRecord: info.Options.EncodeAfterRecord,
		StartedAt:         info.StartedAt,
	}
}

type transcriptResponse struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// ─── Session lifecycle ────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	infos := s.sessions.List()
	out := make([]sessionResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, toResponse(info))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ov, ok := s.decodeOverride(w, r)
	if !ok {
		return
	}
	info, err := s.sessions.Start(r.Context(), r.PathValue("key"), ov)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toResponse(info))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Status(r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(info))
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.sessions.Finish)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.sessions.Cancel)
}

func (s *Server) handleCancelEncoding(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.sessions.CancelEncoding)
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	ov, ok := s.decodeOverride(w, r)
	if !ok {
		return
	}
	key := r.PathValue("key")
	if err := s.sessions.Configure(key, ov); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeStatus(w, r, key, http.StatusOK)
}

// command runs a fire-and-forget session operation. The outcome arrives on
// the event stream; the response carries the state right after the call.
func (s *Server) command(w http.ResponseWriter, r *http.Request, op func(key string) error) {
	key := r.PathValue("key")
	if err := op(key); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeStatus(w, r, key, http.StatusAccepted)
}

// writeStatus reports the session after an operation. A session that ended
// in the meantime yields an empty body.
func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, key string, code int) {
	info, err := s.sessions.Status(key)
	if errors.Is(err, session.ErrNoSession) {
		w.WriteHeader(code)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, code, toResponse(info))
}

// ─── Artifacts and post-processing ────────────────────────────────────────────

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.sessions.Artifact(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", a.MIMEType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.FileName()}))
	w.Header().Set("X-Artifact-ID", a.ID)
	http.ServeContent(w, r, a.FileName(), a.CreatedAt, bytes.NewReader(a.Data))
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	tr, err := s.sessions.Transcribe(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{Text: tr.Text, Language: tr.Language})
}

func (s *Server) handleMinutes(w http.ResponseWriter, r *http.Request) {
	doc, err := s.sessions.Minutes(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.FileName}))
	if doc.Truncated {
		w.Header().Set("X-Transcript-Truncated", "true")
	}
	if doc.Incomplete {
		w.Header().Set("X-Minutes-Incomplete", "true")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Content)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// decodeOverride reads an optional optionsRequest body. On failure it has
// already written the response.
func (s *Server) decodeOverride(w http.ResponseWriter, r *http.Request) (encoder.Override, bool) {
	var req optionsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return encoder.Override{}, false
	}
	ov, err := req.override()
	if err != nil {
		s.writeError(w, r, err)
		return encoder.Override{}, false
	}
	return ov, true
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("server: request failed", "path", r.URL.Path, "err", err)
	} else {
		observe.Logger(r.Context()).Debug("server: request rejected", "path", r.URL.Path, "status", code, "err", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("server: encoding response", "err", err)
	}
}
