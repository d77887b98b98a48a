package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func TestTelegramSendSuccess(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	client := NewTelegramClient("token", "chat", srv.URL, time.Second, testLogger())
	if err := client.Send(context.Background(), "crossover BTCUSDT", true); err != nil {
		t.Fatalf("Send should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id wrong: %#v", received)
	}
	if received["text"] != "crossover BTCUSDT" {
		t.Fatalf("text wrong: %#v", received)
	}
	if received["disable_notification"] != false {
		t.Fatalf("highlighted message must not be silent: %#v", received)
	}
}

func TestTelegramSendSilentWhenNotHighlighted(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	client := NewTelegramClient("token", "chat", srv.URL, time.Second, testLogger())
	if err := client.Send(context.Background(), "routine", false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if received["disable_notification"] != true {
		t.Fatalf("non-highlighted message should be silent: %#v", received)
	}
}

func TestTelegramSendNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	client := NewTelegramClient("token", "chat", srv.URL, time.Second, testLogger())
	if err := client.Send(context.Background(), "x", false); err == nil {
		t.Fatal("ok=false should error")
	}
}

func TestTelegramSendHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewTelegramClient("token", "chat", srv.URL, time.Second, testLogger())
	if err := client.Send(context.Background(), "x", false); err == nil {
		t.Fatal("HTTP 502 should error")
	}
}

func TestTelegramSendTabular(t *testing.T) {
	var gotFilename, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendDocument") {
			t.Fatalf("path should contain sendDocument, got %s", r.URL.Path)
		}
		file, header, err := r.FormFile("document")
		if err != nil {
			t.Fatalf("read document part: %v", err)
		}
		defer file.Close()
		gotFilename = header.Filename
		buf := new(strings.Builder)
		if _, err := io.Copy(buf, file); err != nil {
			t.Fatalf("read document body: %v", err)
		}
		gotBody = buf.String()
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	client := NewTelegramClient("token", "chat", srv.URL, time.Second, testLogger())
	err := client.SendTabular(context.Background(), "report.csv",
		[]string{"symbol", "count"},
		[][]string{{"BTCUSDT", "3"}, {"ETHUSDT", "1"}})
	if err != nil {
		t.Fatalf("SendTabular: %v", err)
	}

	if gotFilename != "report.csv" {
		t.Fatalf("filename = %q", gotFilename)
	}
	want := "symbol,count\nBTCUSDT,3\nETHUSDT,1\n"
	if gotBody != want {
		t.Fatalf("document body = %q, want %q", gotBody, want)
	}
}
