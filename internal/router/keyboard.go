package router

import (
	"strconv"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/registry"
	"relaybot/pkg/tgui"
)

// Callback data scheme: "bc:toggle:<groupID>", "bc:all", "bc:send".
const cbScope = "bc"

const (
	cbToggle = "toggle"
	cbAll    = "all"
	cbSend   = "send"
)

const (
	labelGroupList  = "📋 Group list"
	labelDeleteLast = "🗑 Delete last message everywhere"
)

// mainKeyboard is the persistent reply keyboard shown on /start.
func mainKeyboard() *tele.ReplyMarkup {
	return tgui.ReplyRows(labelGroupList, labelDeleteLast)
}

// selectionKeyboard renders the target checklist: one row per group with a
// checked/unchecked prefix, then the two action buttons. It is rebuilt
// from scratch on every mutation and applied via edit-in-place.
func selectionKeyboard(groups []registry.Group, selected map[int64]struct{}) *tele.ReplyMarkup {
	kb := tgui.NewInline()
	for _, g := range groups {
		mark := "☑️"
		if _, ok := selected[g.ID]; ok {
			mark = "✅"
		}
		kb.Row(tgui.Btn(mark+" "+g.Name, tgui.Data(cbScope, cbToggle, strconv.FormatInt(g.ID, 10))))
	}
	kb.Row(
		tgui.Btn("📤 Send to all", tgui.Data(cbScope, cbAll, "")),
		tgui.Btn("🚀 Send", tgui.Data(cbScope, cbSend, "")),
	)
	return kb.Markup()
}

func parseCallback(data string) (scope, action, payload string) {
	return tgui.Parse(data)
}

// emptyKeyboard clears the inline markup after a confirmed send.
func emptyKeyboard() *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rm.Inline()
	return rm
}
