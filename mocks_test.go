package relay

import (
	"context"
	"os"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/mock"
	tele "gopkg.in/telebot.v4"
)

// MockSettingsStorage is a mock implementation of SettingsStorage interface using testify/mock
type MockSettingsStorage struct {
	mock.Mock
}

func (m *MockSettingsStorage) Find(ctx context.Context, userID int64) (Settings, bool, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(Settings), args.Bool(1), args.Error(2)
}

func (m *MockSettingsStorage) UpdateAsync(s Settings) {
	m.Called(s)
}

type sentText struct {
	ChatID   int64
	MsgID    int
	Text     string
	Keyboard *tele.ReplyMarkup
}

type sentFile struct {
	ChatID int64
	Out    Outgoing
	Data   []byte
	// ThumbData is content of the attached thumbnail at the moment of sending.
	ThumbData []byte
}

// fakeMessenger records outbound calls and content of uploaded files.
type fakeMessenger struct {
	mu sync.Mutex

	nextID    int
	texts     []sentText
	edits     []sentText
	deleted   []int
	files     []sentFile
	responses []string

	sendFileErr error
	photo       []byte
	beforeSend  func(out Outgoing)
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{nextID: 100, photo: []byte("jpeg-bytes")}
}

func (f *fakeMessenger) SendText(ctx context.Context, chatID int64, text string, kb *tele.ReplyMarkup) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.texts = append(f.texts, sentText{ChatID: chatID, MsgID: f.nextID, Text: text, Keyboard: kb})
	return f.nextID, nil
}

func (f *fakeMessenger) EditText(ctx context.Context, chatID int64, msgID int, text string, kb *tele.ReplyMarkup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, sentText{ChatID: chatID, MsgID: msgID, Text: text, Keyboard: kb})
	return nil
}

func (f *fakeMessenger) Delete(ctx context.Context, chatID int64, msgID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, msgID)
	return nil
}

func (f *fakeMessenger) SendFile(ctx context.Context, chatID int64, out Outgoing) error {
	if f.beforeSend != nil {
		f.beforeSend(out)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(out.Path)
	if err != nil {
		return err
	}
	var thumb []byte
	if out.Thumbnail != "" {
		thumb, _ = os.ReadFile(out.Thumbnail)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendFileErr != nil {
		return f.sendFileErr
	}
	f.files = append(f.files, sentFile{ChatID: chatID, Out: out, Data: data, ThumbData: thumb})
	return nil
}

func (f *fakeMessenger) DownloadFile(ctx context.Context, fileID, dst string) error {
	return os.WriteFile(dst, f.photo, 0o600)
}

func (f *fakeMessenger) Respond(ctx context.Context, callbackID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, text)
	return nil
}

func (f *fakeMessenger) sentFiles() []sentFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFile(nil), f.files...)
}

func (f *fakeMessenger) allTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.texts)+len(f.edits))
	for _, t := range f.texts {
		out = append(out, t.Text)
	}
	for _, t := range f.edits {
		out = append(out, t.Text)
	}
	return out
}

func (f *fakeMessenger) lastSent() sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return sentText{}
	}
	return f.texts[len(f.texts)-1]
}

// inlineRunner runs tasks in the caller goroutine, which makes relay cycles synchronous.
type inlineRunner struct{}

func (inlineRunner) Submit(task func()) error {
	task()
	return nil
}

// goRunner runs every task in a new goroutine and lets tests wait for them.
type goRunner struct {
	wg sync.WaitGroup
}

func (r *goRunner) Submit(task func()) error {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		task()
	}()
	return nil
}

type rejectingRunner struct{}

func (rejectingRunner) Submit(func()) error {
	return ants.ErrPoolOverload
}

type fakeOffloader struct {
	mu    sync.Mutex
	names []string
	link  string
	err   error
}

func (o *fakeOffloader) Offload(ctx context.Context, file LocalFile) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return "", o.err
	}
	o.names = append(o.names, file.Name)
	return o.link, nil
}
