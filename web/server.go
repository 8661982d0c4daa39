// Package web serves the encrypted chat application: per-session BB84 key
// establishment, message encryption under the agreed key, and realtime fanout
// to websocket clients.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"qkdchat/cipher"
	"qkdchat/qkd"
	"qkdchat/qkd/qubit"
	"qkdchat/qkd/wire"
)

// DefaultMaxUploadBytes caps chat file uploads at 10 MiB.
const DefaultMaxUploadBytes = 10 << 20

// allowedExtensions are the upload types the chat accepts: images, documents,
// audio and video.
var allowedExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".pdf": true, ".doc": true, ".docx": true, ".txt": true,
	".mp3": true, ".wav": true, ".ogg": true,
	".mp4": true, ".avi": true, ".mov": true,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Options configures a Server. The zero value serves with protocol defaults,
// no upload handling, and no session-log persistence.
type Options struct {
	// Bits is the number of qubits per key exchange. Zero means
	// qkd.DefaultBits.
	Bits int

	// SampleSize and Threshold configure eavesdropper detection; zero values
	// mean the protocol defaults.
	SampleSize int
	Threshold  float64

	// UploadDir receives chat file uploads. Empty disables the upload route.
	UploadDir string

	// LogDir receives MAC'd per-session message logs. Empty disables
	// persistence.
	LogDir string

	// MaxUploadBytes caps a single upload. Zero means DefaultMaxUploadBytes.
	MaxUploadBytes int64

	// Source supplies protocol randomness and must be safe for concurrent
	// use: every key-exchange request draws from it. The default
	// qubit.CryptoSource is; a qubit.PseudoSource wraps a bare *rand.Rand
	// and is only suitable for sequential tests.
	Source qubit.BitSource

	// Logger receives request and websocket diagnostics. Nil means the
	// standard logger.
	Logger *log.Logger
}

// A Server is the chat application's HTTP surface. One Server owns one
// session store and one set of websocket clients.
type Server struct {
	opts  Options
	store *Store
	log   *log.Logger

	wsMu      sync.Mutex
	wsClients map[*websocket.Conn]bool
}

// NewServer builds a Server from opts.
func NewServer(opts Options) *Server {
	if opts.Source == nil {
		opts.Source = qubit.CryptoSource{}
	}
	if opts.MaxUploadBytes == 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		opts:      opts,
		store:     NewStore(opts.LogDir),
		log:       logger,
		wsClients: make(map[*websocket.Conn]bool),
	}
}

// Store exposes the server's session store.
func (s *Server) Store() *Store { return s.store }

// Handler returns the route table as an http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/session", s.handleSession)
	mux.HandleFunc("/exchange_key", s.handleExchangeKey)
	mux.HandleFunc("/message", s.handleMessage)
	mux.HandleFunc("/typing", s.handleTyping)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/transcript", s.handleTranscript)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// ListenAndServe serves the chat application on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Printf("chat interface listening on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>QKD Chat</title></head>
<body>
<h1>QKD Chat</h1>
<p>Live sessions: {{.Sessions}}</p>
<p>Establish a key with POST /exchange_key, then chat via POST /message and /ws.</p>
</body>
</html>
`))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	err := indexTemplate.Execute(w, struct{ Sessions int }{s.store.Len()})
	if err != nil {
		s.log.Printf("rendering index: %v", err)
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess := s.store.Create()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": sess.ID,
	})
}

func (s *Server) handleExchangeKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		SessionID  string `json:"session_id"`
		EveEnabled bool   `json:"eve_enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	sess, err := s.store.Get(req.SessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	res, err := qkd.Exchange(qkd.ExchangeOpts{
		Bits:       s.opts.Bits,
		Eve:        req.EveEnabled,
		Rand:       s.opts.Source,
		SampleSize: s.opts.SampleSize,
		Threshold:  s.opts.Threshold,
	})
	if err != nil && !errors.Is(err, qkd.ErrKeyDepleted) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// A depleted key still carries a fail-closed Result; record it so the
	// session reports EveDetected rather than a stale key.
	if serr := sess.SetResult(res); serr != nil {
		writeError(w, http.StatusInternalServerError, serr)
		return
	}
	s.broadcast("eve_status", map[string]any{
		"session_id":   sess.ID,
		"eve_detected": res.EveDetected,
		"error_rate":   res.ErrorRate,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      !res.EveDetected,
		"key_bits":     res.KeyAlice.Size(),
		"error_rate":   res.ErrorRate,
		"eve_detected": res.EveDetected,
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
		Sender    string `json:"sender"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if req.Message == "" || req.Sender == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing message or sender"))
		return
	}
	sess, err := s.store.Get(req.SessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	key, err := sess.Key()
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	// Round-trip the message through the cipher: what the recipient sees is
	// the decryption of what actually crossed the channel.
	encrypted, err := cipher.Encrypt(req.Message, key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	decrypted, err := cipher.Decrypt(encrypted, key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	res := sess.Result()
	msg := Message{
		Sender:      req.Sender,
		Plaintext:   decrypted,
		Ciphertext:  encrypted,
		SentAt:      time.Now(),
		ErrorRate:   res.ErrorRate,
		EveDetected: res.EveDetected,
	}
	if err := sess.Append(msg); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.broadcast("message", map[string]any{
		"session_id":   sess.ID,
		"sender":       msg.Sender,
		"message":      msg.Plaintext,
		"encrypted":    msg.Ciphertext,
		"error_rate":   msg.ErrorRate,
		"eve_detected": msg.EveDetected,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      msg.Plaintext,
		"encrypted":    msg.Ciphertext,
		"error_rate":   msg.ErrorRate,
		"eve_detected": msg.EveDetected,
	})
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
		User      string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if _, err := s.store.Get(req.SessionID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	s.broadcast("typing", map[string]any{
		"session_id": req.SessionID,
		"user":       req.User,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    req.User,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.UploadDir == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("uploads disabled"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("parsing upload: %w", err))
		return
	}
	if _, err := s.store.Get(r.FormValue("session_id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("no file part"))
		return
	}
	defer file.Close()

	name := sanitizeFilename(header.Filename)
	if name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unusable filename %q", header.Filename))
		return
	}
	if !allowedExtensions[strings.ToLower(filepath.Ext(name))] {
		writeError(w, http.StatusBadRequest, fmt.Errorf("file type %q not allowed", filepath.Ext(name)))
		return
	}

	dst, err := os.Create(filepath.Join(s.opts.UploadDir, name))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("storing upload: %w", err))
		return
	}
	defer dst.Close()
	size, err := io.Copy(dst, file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("storing upload: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"filename": name,
		"size":     size,
	})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.URL.Query().Get("session_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	res := sess.Result()
	body := wire.MarshalTranscript(&res.Transcript)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", sess.ID+".transcript"))
	w.Write(body)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("upgrading websocket: %v", err)
		return
	}
	s.wsMu.Lock()
	s.wsClients[conn] = true
	s.wsMu.Unlock()
	go s.drainClient(conn)
}

// drainClient consumes (and discards) client frames until the connection
// drops, then unregisters it. All state changes arrive via the HTTP routes;
// the websocket is push-only.
func (s *Server) drainClient(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		s.wsMu.Lock()
		delete(s.wsClients, conn)
		s.wsMu.Unlock()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(msgType string, data any) {
	envelope := struct {
		Type string `json:"type"`
		Data any    `json:"data"`
	}{Type: msgType, Data: data}
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for conn := range s.wsClients {
		if err := conn.WriteJSON(envelope); err != nil {
			s.log.Printf("pushing to websocket client: %v", err)
		}
	}
}

// sanitizeFilename reduces an upload's client-supplied name to a safe flat
// filename: no path components, no separators, no hidden-file dots.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "_" {
		return ""
	}
	return name
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}
