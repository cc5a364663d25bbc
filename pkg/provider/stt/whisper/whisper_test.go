package whisper_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/meetrec/pkg/provider/stt"
	"github.com/MrWong99/meetrec/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// inferenceRequest captures what the fake server saw.
type inferenceRequest struct {
	fileName string
	fileData []byte
	fields   map[string]string
}

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing responseText. When seen is non-nil every request is
// parsed and sent on it; callCount is incremented per matched request.
func newMockServer(t *testing.T, responseText string, callCount *atomic.Int32, seen chan<- inferenceRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if callCount != nil {
			callCount.Add(1)
		}
		if seen != nil {
			var last inferenceRequest
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			f, hdr, err := r.FormFile("file")
			if err != nil {
				t.Errorf("form file: %v", err)
			} else {
				last.fileName = hdr.Filename
				last.fileData, _ = io.ReadAll(f)
				f.Close()
			}
			last.fields = map[string]string{}
			for k, v := range r.MultipartForm.Value {
				last.fields[k] = v[0]
			}
			select {
			case seen <- last:
			default:
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ---- provider construction --------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	t.Parallel()
	_, err := whisper.New("")
	if err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNew_WithOptions_DoesNotError(t *testing.T) {
	t.Parallel()
	p, err := whisper.New("http://localhost:8080/",
		whisper.WithModel("base.en"),
		whisper.WithLanguage("de"),
		whisper.WithHTTPClient(http.DefaultClient),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil Provider")
	}
}

// ---- Transcribe -------------------------------------------------------------

func TestTranscribe_UploadsRecording(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	seen := make(chan inferenceRequest, 1)
	srv := newMockServer(t, "  hello there  ", &calls, seen)
	p, err := whisper.New(srv.URL+"/", whisper.WithModel("small"))
	if err != nil {
		t.Fatal(err)
	}

	got, err := p.Transcribe(context.Background(),
		stt.Audio{Data: []byte("RIFF....WAVE"), MIMEType: "audio/wav"},
		stt.Options{Language: "fr"},
	)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "hello there" {
		t.Errorf("Text = %q, want trimmed %q", got.Text, "hello there")
	}
	if got.Language != "fr" {
		t.Errorf("Language = %q, want fr", got.Language)
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1", calls.Load())
	}
	last := <-seen
	if last.fileName != "audio.wav" {
		t.Errorf("file name = %q, want audio.wav", last.fileName)
	}
	if string(last.fileData) != "RIFF....WAVE" {
		t.Errorf("file data = %q", last.fileData)
	}
	wantFields := map[string]string{"language": "fr", "model": "small", "response_format": "json"}
	for k, v := range wantFields {
		if last.fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, last.fields[k], v)
		}
	}
}

func TestTranscribe_FileNameSelection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		audio stt.Audio
		want  string
	}{
		{"explicit", stt.Audio{Data: []byte{1}, FileName: "recording_x.mp3", MIMEType: "audio/mpeg"}, "recording_x.mp3"},
		{"mp3 default", stt.Audio{Data: []byte{1}, MIMEType: "audio/mpeg"}, "audio.mp3"},
		{"wav alias", stt.Audio{Data: []byte{1}, MIMEType: "audio/x-wav"}, "audio.wav"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			seen := make(chan inferenceRequest, 1)
			srv := newMockServer(t, "ok", nil, seen)
			p, _ := whisper.New(srv.URL)
			if _, err := p.Transcribe(context.Background(), tt.audio, stt.Options{}); err != nil {
				t.Fatal(err)
			}
			if last := <-seen; last.fileName != tt.want {
				t.Errorf("file name = %q, want %q", last.fileName, tt.want)
			}
		})
	}
}

func TestTranscribe_EmptyAudio_ReturnsError(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := newMockServer(t, "x", &calls, nil)
	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), stt.Audio{}, stt.Options{}); err == nil {
		t.Fatal("expected error for empty audio")
	}
	if calls.Load() != 0 {
		t.Error("server should not be called for empty audio")
	}
}

func TestTranscribe_ServerError_ReturnsError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	_, err := p.Transcribe(context.Background(), stt.Audio{Data: []byte{1}, MIMEType: "audio/wav"}, stt.Options{})
	if err == nil {
		t.Fatal("expected error for HTTP 500")
	}
	if !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "model not loaded") {
		t.Errorf("error %q should mention status and body", err)
	}
}

func TestTranscribe_BadJSON_ReturnsError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), stt.Audio{Data: []byte{1}}, stt.Options{}); err == nil {
		t.Fatal("expected error for malformed response")
	}
}

func TestTranscribe_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()
	srv := newMockServer(t, "x", nil, nil)
	p, _ := whisper.New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Transcribe(ctx, stt.Audio{Data: []byte{1}}, stt.Options{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
