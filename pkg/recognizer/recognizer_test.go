package recognizer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voicewire/voicewire/pkg/pipeline"
)

func TestRecognize_RoundTrip(t *testing.T) {
	var gotAuth, gotSeq string
	var gotAudio []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotSeq = r.FormValue("sequence")
		file, _, err := r.FormFile("audio")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			gotAudio, _ = io.ReadAll(file)
			file.Close()
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"text":"hello world","confidence":0.93,"is_final":true}`)
	}))
	defer srv.Close()

	client, err := New(Config{Endpoint: srv.URL, APIKey: "k", Model: "base"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := client.Recognize(context.Background(), pipeline.Chunk{
		Data: []byte("pcm-bytes"), Format: "pcm16", Sequence: 9, Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if got.Text != "hello world" || got.Confidence != 0.93 || !got.IsFinal {
		t.Fatalf("transcript = %+v", got)
	}
	if gotAuth != "Bearer k" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotSeq != "9" {
		t.Fatalf("sequence field = %q", gotSeq)
	}
	if string(gotAudio) != "pcm-bytes" {
		t.Fatalf("audio = %q", gotAudio)
	}
}

func TestRecognize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := New(Config{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := client.Recognize(context.Background(), pipeline.Chunk{Data: []byte("x")}); err == nil {
		t.Fatal("Recognize succeeded against a 503")
	}
}

func TestNew_RequiresEndpoint(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New accepted an empty endpoint")
	}
}
