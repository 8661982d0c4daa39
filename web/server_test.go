package web

import (
	"bytes"
	"encoding/json"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"qkdchat/qkd/qubit"
	"qkdchat/qkd/wire"
)

func testServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	if opts.Source == nil {
		opts.Source = qubit.NewPseudoSource(rand.New(rand.NewSource(97)))
	}
	srv := NewServer(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp.StatusCode, out
}

func newSession(t *testing.T, base string) string {
	t.Helper()
	status, out := postJSON(t, base+"/session", nil)
	if status != http.StatusOK {
		t.Fatalf("POST /session: status %d: %v", status, out)
	}
	id, _ := out["session_id"].(string)
	if id == "" {
		t.Fatalf("POST /session returned no session_id: %v", out)
	}
	return id
}

func TestExchangeKeyAndMessageFlow(t *testing.T) {
	_, ts := testServer(t, Options{Bits: 64})
	id := newSession(t, ts.URL)

	status, out := postJSON(t, ts.URL+"/exchange_key", map[string]any{"session_id": id})
	if status != http.StatusOK {
		t.Fatalf("POST /exchange_key: status %d: %v", status, out)
	}
	if out["success"] != true || out["eve_detected"] != false {
		t.Fatalf("clean exchange: %v", out)
	}
	if out["error_rate"].(float64) != 0 {
		t.Errorf("clean exchange error_rate == %v, want 0", out["error_rate"])
	}

	status, out = postJSON(t, ts.URL+"/message", map[string]any{
		"session_id": id,
		"sender":     "alice",
		"message":    "hello bob",
	})
	if status != http.StatusOK {
		t.Fatalf("POST /message: status %d: %v", status, out)
	}
	if out["message"] != "hello bob" {
		t.Errorf("round-tripped message == %v, want %q", out["message"], "hello bob")
	}
	if enc, _ := out["encrypted"].(string); enc == "" || enc == "hello bob" {
		t.Errorf("ciphertext %q does not look encrypted", enc)
	}
}

func TestMessageBeforeExchangeRejected(t *testing.T) {
	_, ts := testServer(t, Options{})
	id := newSession(t, ts.URL)
	status, out := postJSON(t, ts.URL+"/message", map[string]any{
		"session_id": id,
		"sender":     "alice",
		"message":    "too early",
	})
	if status != http.StatusConflict {
		t.Errorf("message before exchange: status %d (%v), want 409", status, out)
	}
}

func TestUnknownSessionRejected(t *testing.T) {
	_, ts := testServer(t, Options{})
	for _, route := range []string{"/exchange_key", "/message", "/typing"} {
		status, _ := postJSON(t, ts.URL+route, map[string]any{
			"session_id": "no-such-session",
			"sender":     "alice",
			"message":    "x",
			"user":       "alice",
		})
		if status != http.StatusNotFound {
			t.Errorf("POST %s with unknown session: status %d, want 404", route, status)
		}
	}
}

func TestSessionsDoNotShareKeys(t *testing.T) {
	srv, ts := testServer(t, Options{Bits: 64})
	first := newSession(t, ts.URL)
	second := newSession(t, ts.URL)

	if status, out := postJSON(t, ts.URL+"/exchange_key", map[string]any{"session_id": first}); status != http.StatusOK {
		t.Fatalf("POST /exchange_key: status %d: %v", status, out)
	}

	// Only the session that ran the exchange holds a key.
	sessFirst, err := srv.Store().Get(first)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := sessFirst.Key(); err != nil {
		t.Errorf("exchanged session has no key: %v", err)
	}
	sessSecond, err := srv.Store().Get(second)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := sessSecond.Key(); err == nil {
		t.Error("second session inherited a key from the first")
	}
}

func TestTypingBroadcast(t *testing.T) {
	_, ts := testServer(t, Options{})
	id := newSession(t, ts.URL)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()

	status, out := postJSON(t, ts.URL+"/typing", map[string]any{
		"session_id": id,
		"user":       "alice",
	})
	if status != http.StatusOK || out["success"] != true {
		t.Fatalf("POST /typing: status %d: %v", status, out)
	}

	var envelope struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := conn.ReadJSON(&envelope); err != nil {
		t.Fatalf("reading websocket push: %v", err)
	}
	if envelope.Type != "typing" || envelope.Data["user"] != "alice" {
		t.Errorf("pushed %+v, want typing from alice", envelope)
	}
}

func TestUpload(t *testing.T) {
	dir := t.TempDir()
	_, ts := testServer(t, Options{UploadDir: dir})
	id := newSession(t, ts.URL)

	upload := func(filename, content string) (int, map[string]any) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		mw.WriteField("session_id", id)
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("building form: %v", err)
		}
		io.WriteString(part, content)
		mw.Close()
		resp, err := http.Post(ts.URL+"/upload", mw.FormDataContentType(), &buf)
		if err != nil {
			t.Fatalf("POST /upload: %v", err)
		}
		defer resp.Body.Close()
		var out map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
		return resp.StatusCode, out
	}

	status, out := upload("notes.txt", "hello")
	if status != http.StatusOK || out["success"] != true {
		t.Fatalf("uploading notes.txt: status %d: %v", status, out)
	}
	saved, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	if err != nil || string(saved) != "hello" {
		t.Errorf("stored upload == %q, %v; want hello", saved, err)
	}

	if status, _ := upload("try.exe", "MZ"); status != http.StatusBadRequest {
		t.Errorf("uploading try.exe: status %d, want 400", status)
	}

	// A traversal attempt lands as a flat file inside the upload dir.
	status, out = upload("../../escape.txt", "gotcha")
	if status != http.StatusOK {
		t.Fatalf("uploading traversal name: status %d: %v", status, out)
	}
	if name, _ := out["filename"].(string); strings.Contains(name, "/") || strings.Contains(name, "..") {
		t.Errorf("sanitized filename %q still carries path syntax", name)
	}
	if _, err := os.Stat(filepath.Join(dir, "..", "escape.txt")); err == nil {
		t.Error("upload escaped the upload directory")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tcs := []struct {
		in, want string
	}{
		{"photo.png", "photo.png"},
		{"../../etc/passwd", "passwd"},
		{`..\..\boot.ini`, "boot.ini"},
		{"my file (1).txt", "my_file__1_.txt"},
		{".hidden", "hidden"},
		{"...", ""},
		{"", ""},
	}
	for _, tc := range tcs {
		if got := sanitizeFilename(tc.in); got != tc.want {
			t.Errorf("sanitizeFilename(%q) == %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTranscriptDownload(t *testing.T) {
	_, ts := testServer(t, Options{Bits: 64})
	id := newSession(t, ts.URL)
	if status, out := postJSON(t, ts.URL+"/exchange_key", map[string]any{"session_id": id}); status != http.StatusOK {
		t.Fatalf("POST /exchange_key: status %d: %v", status, out)
	}

	resp, err := http.Get(ts.URL + "/transcript?session_id=" + id)
	if err != nil {
		t.Fatalf("GET /transcript: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /transcript: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading transcript: %v", err)
	}
	tr, err := wire.UnmarshalTranscript(body)
	if err != nil {
		t.Fatalf("UnmarshalTranscript: %v", err)
	}
	if tr.AliceBases.Size() != 64 || tr.BobBases.Size() != 64 {
		t.Errorf("transcript bases of %d/%d bits, want 64/64",
			tr.AliceBases.Size(), tr.BobBases.Size())
	}
	if tr.EveDetected {
		t.Error("transcript flags an eavesdropper on a clean exchange")
	}
}

func TestIndexPage(t *testing.T) {
	_, ts := testServer(t, Options{})
	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("QKD Chat")) {
		t.Errorf("GET /: status %d, body %q", resp.StatusCode, body)
	}
	if resp, err := http.Get(ts.URL + "/nowhere"); err == nil {
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET /nowhere: status %d, want 404", resp.StatusCode)
		}
		resp.Body.Close()
	}
}
