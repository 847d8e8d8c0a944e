package relay

import (
	"github.com/maxbolgarin/lang"
	tele "gopkg.in/telebot.v4"
)

const maxButtonsInRow = 8

// Unique values of callback buttons. Telegram sends them back as "\f<unique>|<data>".
const (
	BtnMode   = "mode"
	BtnRename = "rename"
	BtnUpload = "upload"
	BtnCancel = "cancel"
)

// CallbackUniques contains all callback buttons that should be registered in the platform.
var CallbackUniques = []string{BtnMode, BtnRename, BtnUpload, BtnCancel}

// Keyboard is an inline keyboard builder.
type Keyboard struct {
	buttons    [][]tele.Btn
	currentRow []tele.Btn

	rowLen int
}

// NewKeyboard creates new keyboard builder. Optional row length limits number of buttons in a row.
func NewKeyboard(optionalRowLen ...int) *Keyboard {
	return &Keyboard{
		buttons:    make([][]tele.Btn, 0),
		currentRow: make([]tele.Btn, 0, maxButtonsInRow),
		rowLen:     lang.Check(lang.First(optionalRowLen), maxButtonsInRow),
	}
}

// Add adds buttons to the current row.
// It creates a new row if number of buttons is greater than max buttons in row.
func (k *Keyboard) Add(btns ...tele.Btn) *Keyboard {
	for _, btn := range btns {
		if len(k.currentRow) >= k.rowLen || len(k.currentRow) == maxButtonsInRow {
			k.StartNewRow()
		}
		k.currentRow = append(k.currentRow, btn)
	}
	return k
}

// AddRow adds buttons as a separate row.
func (k *Keyboard) AddRow(btns ...tele.Btn) *Keyboard {
	k.StartNewRow()
	k.buttons = append(k.buttons, btns)
	return k
}

// StartNewRow creates a new row.
func (k *Keyboard) StartNewRow() *Keyboard {
	if len(k.currentRow) == 0 {
		return k
	}
	k.buttons = append(k.buttons, k.currentRow)
	k.currentRow = make([]tele.Btn, 0, maxButtonsInRow)
	return k
}

// CreateInlineMarkup creates inline keyboard from the current keyboard builder.
func (k *Keyboard) CreateInlineMarkup() *tele.ReplyMarkup {
	k.StartNewRow()

	out := make([][]tele.InlineButton, 0, len(k.buttons))
	for _, row := range k.buttons {
		rOut := make([]tele.InlineButton, 0, len(row))
		for _, btn := range row {
			rOut = append(rOut, *btn.Inline())
		}
		out = append(out, rOut)
	}

	return &tele.ReplyMarkup{InlineKeyboard: out}
}

// modeChoiceKeyboard is shown when a link is received in ask mode.
// The current mode is marked in the mode row.
func modeChoiceKeyboard(msgs Messages, current UploadMode) *tele.ReplyMarkup {
	kb := NewKeyboard(3)
	for _, mode := range Modes {
		text := msgs.ModeButton(mode)
		if mode == current {
			text = "• " + text
		}
		kb.Add(tele.Btn{Text: text, Unique: BtnMode, Data: mode.String()})
	}
	kb.AddRow(
		tele.Btn{Text: msgs.RenameButton(), Unique: BtnRename},
		tele.Btn{Text: msgs.UploadButton(), Unique: BtnUpload},
	)
	kb.AddRow(tele.Btn{Text: msgs.CancelButton(), Unique: BtnCancel})
	return kb.CreateInlineMarkup()
}

// cancelKeyboard is attached to the status message of a running transfer.
func cancelKeyboard(msgs Messages) *tele.ReplyMarkup {
	return NewKeyboard().Add(tele.Btn{Text: msgs.CancelButton(), Unique: BtnCancel}).CreateInlineMarkup()
}
