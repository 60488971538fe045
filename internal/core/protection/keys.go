package protection

import "strings"

// KeyEvent is a keyboard event as reported by the presentation layer.
type KeyEvent struct {
	Key   string `json:"key"`
	Ctrl  bool   `json:"ctrl"`
	Shift bool   `json:"shift"`
	Alt   bool   `json:"alt"`
	Meta  bool   `json:"meta"`
}

func (k KeyEvent) command() bool { return k.Ctrl || k.Meta }

func (k KeyEvent) is(key string) bool { return strings.EqualFold(k.Key, key) }

// Action is a non-keyboard user action on the viewer.
type Action string

const (
	ActionContextMenu  Action = "contextmenu"
	ActionSelectStart  Action = "selectstart"
	ActionDragStart    Action = "dragstart"
	ActionPrintRequest Action = "print"
)

const (
	MsgPrintDisabled      = "Print functionality is disabled for this document"
	MsgSaveDisabled       = "Save functionality is disabled for this document"
	MsgScreenshotDisabled = "Screenshots are not permitted for this document"
	MsgSourceDisabled     = "Viewing the page source is disabled for this document"
	MsgDevtoolsDisabled   = "Developer tools are disabled for this document"
	MsgDevtoolsDetected   = "Developer tools detected. Content protection is active."
	MsgContextMenu        = "The context menu is disabled for this document"
	MsgSelection          = "Text selection is disabled for this document"
	MsgDrag               = "Dragging content is disabled for this document"
)

// isScreenshot matches the platform capture shortcuts.
func isScreenshot(k KeyEvent) bool {
	switch {
	case k.is("PrintScreen"):
		return true
	case k.Ctrl && k.Shift && k.is("s"):
		return true
	case k.Meta && k.Shift && (k.Key == "3" || k.Key == "4" || k.Key == "5"):
		return true
	}
	return false
}

// interception returns the advisory for a suppressed shortcut, or "" if the
// key is not intercepted.
func interception(k KeyEvent) string {
	switch {
	case k.is("F12"):
		return MsgDevtoolsDisabled
	case k.command() && k.Shift && k.is("i"):
		return MsgDevtoolsDisabled
	case k.command() && k.is("p"):
		return MsgPrintDisabled
	case k.command() && k.is("s"):
		return MsgSaveDisabled
	case k.command() && k.is("u"):
		return MsgSourceDisabled
	}
	return ""
}

func actionMessage(a Action) string {
	switch a {
	case ActionContextMenu:
		return MsgContextMenu
	case ActionSelectStart:
		return MsgSelection
	case ActionDragStart:
		return MsgDrag
	case ActionPrintRequest:
		return MsgPrintDisabled
	}
	return ""
}
