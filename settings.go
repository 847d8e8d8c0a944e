package relay

import (
	"context"
	"time"

	"github.com/maxbolgarin/errm"
	"github.com/maypok86/otter"
)

const settingsTimeout = 5 * time.Second

// Settings are user preferences that outlive a session.
type Settings struct {
	UserID    int64      `bson:"user_id" json:"user_id"`
	Mode      UploadMode `bson:"mode" json:"mode"`
	AskMode   bool       `bson:"ask_mode" json:"ask_mode"`
	UpdatedAt time.Time  `bson:"updated_at" json:"updated_at"`
}

// SettingsStorage is a storage for user preferences.
// It uses in-memory storage by default, implement it to persist settings between application restarts.
type SettingsStorage interface {
	// Find returns settings of the user. It returns false if there are no saved settings.
	Find(ctx context.Context, userID int64) (Settings, bool, error)
	// UpdateAsync saves settings of the user without blocking the caller.
	UpdateAsync(settings Settings)
}

type inMemorySettings struct {
	cache otter.Cache[int64, Settings]
}

// NewInMemorySettings creates a settings storage in memory with the provided capacity.
func NewInMemorySettings(capacity int) (SettingsStorage, error) {
	c, err := otter.MustBuilder[int64, Settings](capacity).Build()
	if err != nil {
		return nil, errm.Wrap(err, "build settings cache", "capacity", capacity)
	}
	return &inMemorySettings{cache: c}, nil
}

func (m *inMemorySettings) Find(ctx context.Context, userID int64) (Settings, bool, error) {
	if ctx == nil {
		return Settings{}, false, errm.New("context is nil")
	}
	s, ok := m.cache.Get(userID)
	return s, ok, nil
}

func (m *inMemorySettings) UpdateAsync(settings Settings) {
	m.cache.Set(settings.UserID, settings)
}

type noopSettings struct{}

func (noopSettings) Find(context.Context, int64) (Settings, bool, error) { return Settings{}, false, nil }
func (noopSettings) UpdateAsync(Settings)                                {}

func settingsFromSession(sess Session) Settings {
	return Settings{
		UserID:    sess.UserID,
		Mode:      sess.Mode,
		AskMode:   sess.AskMode,
		UpdatedAt: time.Now(),
	}
}
