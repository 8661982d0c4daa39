package web

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"qkdchat/cipher"
	"qkdchat/qkd"
	"qkdchat/qkd/wire"
)

// Session-log framing parameters. Each record is MAC'd with key material
// expanded from the session key, so a log can only be read back (or extended)
// by a holder of that key. HKDF-SHA256 yields at most 8160 bytes, which the
// framer's Toeplitz diagonals and per-record pads must share; the record cap
// keeps both within that budget.
const (
	logMaxRecordBytes = 4096
	logMACBits        = 64
)

// ErrNoSession is returned when a request names a session the store does not
// hold, whether it expired, was never created, or belongs to another server.
var ErrNoSession = errors.New("web: no such session")

// ErrNoKey is returned when a session is asked to encrypt or decrypt before a
// key exchange has run.
var ErrNoKey = errors.New("web: session has no established key")

// A Message is one delivered chat message, stored in session history exactly
// as reported to clients.
type Message struct {
	Sender      string    `json:"sender"`
	Plaintext   string    `json:"message"`
	Ciphertext  string    `json:"encrypted"`
	SentAt      time.Time `json:"sent_at"`
	ErrorRate   float64   `json:"error_rate"`
	EveDetected bool      `json:"eve_detected"`
}

// A Session holds the per-conversation state: the established cipher key, the
// protocol result that produced it, and the message history. Every field is
// private to one conversation; nothing is shared between sessions, so one
// client's key exchange can never replace another client's key.
type Session struct {
	ID string

	mu      sync.Mutex
	key     []byte
	result  qkd.Result
	history []Message

	logDir  string
	log     *qkd.Framer
	logFile *os.File
}

// SetResult installs the outcome of a key exchange, replacing any previous
// key. A detected eavesdropper clears the key instead: messages must not be
// encrypted under a key Eve may hold.
//
// The session log is opened by the first successful exchange and its MAC
// keystream stays bound to that first key for the session's lifetime, so one
// key replays the whole log; re-keying changes only message encryption.
func (s *Session) SetResult(res qkd.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = res
	if res.EveDetected {
		s.key = nil
		return nil
	}
	key, err := cipher.DeriveKey(res.KeyAlice)
	if err != nil {
		return err
	}
	s.key = key
	return s.openLogLocked()
}

// Key returns the established cipher key, or ErrNoKey before a successful
// exchange.
func (s *Session) Key() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return nil, ErrNoKey
	}
	key := make([]byte, len(s.key))
	copy(key, s.key)
	return key, nil
}

// Result returns the most recent exchange outcome.
func (s *Session) Result() qkd.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Append records a delivered message in history and, when a session log is
// open, persists it as a MAC'd record.
func (s *Session) Append(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, m)
	if s.log == nil {
		return nil
	}
	rec := wire.ChatRecord{
		Sender:      m.Sender,
		Ciphertext:  m.Ciphertext,
		UnixMillis:  m.SentAt.UnixMilli(),
		ErrorRate:   m.ErrorRate,
		EveDetected: m.EveDetected,
	}
	if err := s.log.WriteRecord(wire.MarshalChatRecord(&rec)); err != nil {
		return fmt.Errorf("web: appending session log: %w", err)
	}
	return nil
}

// History returns a copy of the session's message history.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// Close releases the session log file, if any.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = nil
	if s.logFile == nil {
		return nil
	}
	err := s.logFile.Close()
	s.logFile = nil
	return err
}

// logDir is set by the Store at creation time; empty disables persistence.
func (s *Session) openLogLocked() error {
	if s.logFile != nil || s.logDir == "" {
		return nil
	}
	path := filepath.Join(s.logDir, s.ID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("web: creating session log: %w", err)
	}
	fr, err := qkd.NewFramer(logReadWriter{f}, logSecret(s.key, s.ID), logMaxRecordBytes, logMACBits)
	if err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("web: framing session log: %w", err)
	}
	s.logFile = f
	s.log = fr
	return nil
}

// logSecret expands the session key into the MAC keystream for its log. The
// session ID salts the expansion so two sessions that happen to agree on a key
// still produce unlinkable logs.
func logSecret(key []byte, id string) io.Reader {
	return hkdf.New(sha256.New, key, []byte(id), []byte("session log"))
}

// logReadWriter adapts a write-only or read-only log file to the Framer's
// io.ReadWriter.
type logReadWriter struct {
	f *os.File
}

func (l logReadWriter) Read(p []byte) (int, error)  { return l.f.Read(p) }
func (l logReadWriter) Write(p []byte) (int, error) { return l.f.Write(p) }

// ReadSessionLog replays a session log written under the given key and session
// ID, verifying each record's MAC. A log touched by anyone without the key
// fails with qkd.ErrBadMAC.
func ReadSessionLog(path string, key []byte, id string) ([]wire.ChatRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("web: opening session log: %w", err)
	}
	defer f.Close()
	fr, err := qkd.NewFramer(logReadWriter{f}, logSecret(key, id), logMaxRecordBytes, logMACBits)
	if err != nil {
		return nil, err
	}
	var out []wire.ChatRecord
	for {
		raw, err := fr.ReadRecord()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("web: replaying session log: %w", err)
		}
		rec, err := wire.UnmarshalChatRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("web: replaying session log: %w", err)
		}
		out = append(out, *rec)
	}
}

// A Store tracks live sessions by ID.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logDir   string
}

// NewStore returns an empty session store. When logDir is non-empty, each
// session with an established key appends its messages to a MAC'd log file
// under it.
func NewStore(logDir string) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		logDir:   logDir,
	}
}

// Create registers a fresh session under a new random ID.
func (st *Store) Create() *Session {
	s := &Session{
		ID:     uuid.NewString(),
		logDir: st.logDir,
	}
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
	return s
}

// Get looks up a session by ID.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSession, id)
	}
	return s, nil
}

// Remove drops a session from the store and closes its log.
func (st *Store) Remove(id string) error {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSession, id)
	}
	return s.Close()
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
