package relay

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	"github.com/maypok86/otter"
)

// UploadMode is a representation of the file in chat.
type UploadMode string

const (
	ModeAuto     UploadMode = "auto"
	ModeDocument UploadMode = "document"
	ModeVideo    UploadMode = "video"
	ModeAudio    UploadMode = "audio"
	ModePhoto    UploadMode = "photo"
)

// Modes contains all selectable upload modes in the order of the settings keyboard.
var Modes = []UploadMode{ModeDocument, ModeVideo, ModeAudio, ModePhoto, ModeAuto}

func (m UploadMode) String() string {
	return string(m)
}

// IsValid returns true if mode is one of known modes.
func (m UploadMode) IsValid() bool {
	switch m {
	case ModeAuto, ModeDocument, ModeVideo, ModeAudio, ModePhoto:
		return true
	}
	return false
}

// State is a state of user's relay cycle.
type State string

const (
	StateIdle                   State = "idle"
	StateAwaitingModeChoice     State = "awaiting_mode_choice"
	StateAwaitingRenameInput    State = "awaiting_rename_input"
	StateAwaitingThumbnailImage State = "awaiting_thumbnail_image"
	StateDownloading            State = "downloading"
	StateUploading              State = "uploading"
)

func (s State) String() string {
	return string(s)
}

// IsBusy returns true if there is an in-flight transfer in this state.
func (s State) IsBusy() bool {
	return s == StateDownloading || s == StateUploading
}

// Awaiting is a follow-up input expected from user.
type Awaiting string

const (
	AwaitNone      Awaiting = "none"
	AwaitRename    Awaiting = "rename"
	AwaitThumbnail Awaiting = "thumbnail"
)

// Session is an ephemeral per-user state of the relay.
// Store returns copies of it, changes should be made with [Store.Set].
type Session struct {
	UserID int64
	ChatID int64

	State      State
	PendingURL string
	CustomName string

	Mode    UploadMode
	AskMode bool

	// ThumbnailPath references an existing file or is empty. It is owned by the session.
	ThumbnailPath string

	// FilePath is a downloaded file that is not uploaded yet. It is owned by the running job.
	FilePath string
	// JobID identifies the running transfer, it is empty when there is no transfer.
	JobID string

	StatusMsgID int
	PromptMsgID int

	LastSeen time.Time
}

// Awaiting returns the follow-up input that orchestrator expects next.
// It is derived from the state, so there cannot be two pending prompts at once.
func (s Session) Awaiting() Awaiting {
	switch s.State {
	case StateAwaitingRenameInput:
		return AwaitRename
	case StateAwaitingThumbnailImage:
		return AwaitThumbnail
	default:
		return AwaitNone
	}
}

// resetCycle drops all fields of the current relay cycle and returns session to Idle.
func (s *Session) resetCycle() {
	s.State = StateIdle
	s.PendingURL = ""
	s.CustomName = ""
	s.FilePath = ""
	s.JobID = ""
	s.StatusMsgID = 0
	s.PromptMsgID = 0
}

// Store keeps sessions of users in memory with TTL. Mutations of a single user's session are serialized.
type Store struct {
	cache    otter.Cache[int64, *sessionEntry]
	settings SettingsStorage
	log      Logger

	defaultMode UploadMode
	defaultAsk  bool

	mu sync.Mutex // guards creation of entries
}

type sessionEntry struct {
	mu   sync.Mutex
	sess Session
}

// StoreConfig contains parameters of the session store.
type StoreConfig struct {
	Capacity     int
	TTL          time.Duration
	DefaultMode  UploadMode
	AskByDefault bool
}

// NewStore creates a session store. Settings are used to load persisted preferences on session creation.
// Thumbnail of an evicted session is removed from disk.
func NewStore(cfg StoreConfig, settings SettingsStorage, log Logger) (*Store, error) {
	if settings == nil {
		settings = noopSettings{}
	}
	if log == nil {
		log = noopLogger{}
	}
	s := &Store{
		settings:    settings,
		log:         log,
		defaultMode: lang.Check(cfg.DefaultMode, ModeAuto),
		defaultAsk:  cfg.AskByDefault,
	}

	cache, err := otter.MustBuilder[int64, *sessionEntry](lang.Check(cfg.Capacity, 10000)).
		DeletionListener(s.onDelete).
		WithTTL(lang.Check(cfg.TTL, 24*time.Hour)).
		Build()
	if err != nil {
		return nil, errm.Wrap(err, "build session cache")
	}
	s.cache = cache

	return s, nil
}

// Get returns a copy of the user session. It creates a default session on first access.
func (s *Store) Get(userID int64) Session {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

// Lookup returns a copy of the user session if it exists.
func (s *Store) Lookup(userID int64) (Session, bool) {
	e, ok := s.cache.Get(userID)
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess, true
}

// Set applies mutation to the user session atomically and returns the result.
// If mutation returns an error, session stays unchanged.
func (s *Store) Set(userID int64, mutation func(*Session) error) (Session, error) {
	e := s.entry(userID)
	e.mu.Lock()

	cur := e.sess
	sess := cur
	if err := mutation(&sess); err != nil {
		e.mu.Unlock()
		return cur, err
	}
	sess.UserID = userID
	sess.LastSeen = time.Now()
	e.sess = sess
	e.mu.Unlock()

	// Prolong TTL of an active session. It is called without entry lock because
	// deletion listener of another evicted entry takes its lock.
	s.cache.Set(userID, e)

	return sess, nil
}

// SetThumbnail replaces thumbnail of the user, the previous file is removed.
func (s *Store) SetThumbnail(userID int64, path string) (Session, error) {
	var old string
	sess, err := s.Set(userID, func(sess *Session) error {
		old = sess.ThumbnailPath
		sess.ThumbnailPath = path
		if sess.State == StateAwaitingThumbnailImage {
			sess.State = StateIdle
			sess.PromptMsgID = 0
		}
		return nil
	})
	if err != nil {
		return sess, err
	}
	if old != "" && old != path {
		s.removeFile(userID, old)
	}
	return sess, nil
}

// DeleteThumbnail removes thumbnail of the user and returns true if there was one.
func (s *Store) DeleteThumbnail(userID int64) bool {
	var old string
	s.Set(userID, func(sess *Session) error {
		old = sess.ThumbnailPath
		sess.ThumbnailPath = ""
		return nil
	})
	if old == "" {
		return false
	}
	s.removeFile(userID, old)
	return true
}

// Clear removes the session of the user together with its thumbnail.
func (s *Store) Clear(userID int64) {
	s.cache.Delete(userID)
}

// SaveSettings persists preferences of the session asynchronously.
func (s *Store) SaveSettings(sess Session) {
	s.settings.UpdateAsync(settingsFromSession(sess))
}

// Len returns number of sessions in the store.
func (s *Store) Len() int {
	return s.cache.Size()
}

// Close removes all sessions and their thumbnails.
func (s *Store) Close() {
	s.cache.Clear()
	s.cache.Close()
}

func (s *Store) entry(userID int64) *sessionEntry {
	if e, ok := s.cache.Get(userID); ok {
		return e
	}

	sess := s.newSession(userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.cache.Get(userID); ok {
		return e
	}

	e := &sessionEntry{sess: sess}
	s.cache.Set(userID, e)

	return e
}

func (s *Store) newSession(userID int64) Session {
	sess := Session{
		UserID:   userID,
		ChatID:   userID,
		State:    StateIdle,
		Mode:     s.defaultMode,
		AskMode:  s.defaultAsk,
		LastSeen: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), settingsTimeout)
	defer cancel()

	settings, found, err := s.settings.Find(ctx, userID)
	if err != nil {
		s.log.Error("cannot load user settings", "error", err, "user_id", userID)
		return sess
	}
	if found {
		if settings.Mode.IsValid() {
			sess.Mode = settings.Mode
		}
		sess.AskMode = settings.AskMode
	}

	return sess
}

func (s *Store) onDelete(userID int64, e *sessionEntry, cause otter.DeletionCause) {
	if cause == otter.Replaced {
		return
	}
	e.mu.Lock()
	path := e.sess.ThumbnailPath
	e.sess.ThumbnailPath = ""
	e.mu.Unlock()

	if path != "" {
		s.removeFile(userID, path)
	}
	s.log.Debug("session is removed", "user_id", userID, "cause", cause)
}

func (s *Store) removeFile(userID int64, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("cannot remove thumbnail", "error", err, "user_id", userID, "path", path)
	}
}
