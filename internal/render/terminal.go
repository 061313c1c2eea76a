package render

import (
	"fmt"
	"io"
	"sync"

	"github.com/MarcoPoloResearchLab/possel-client/internal/chat"
	"github.com/charmbracelet/lipgloss"
)

const clockLayout = "15:04:05"

// Terminal writes render events as one text line each.
type Terminal struct {
	mu       sync.Mutex
	out      io.Writer
	renderer *lipgloss.Renderer

	timeStyle   lipgloss.Style
	bufferStyle lipgloss.Style
	systemStyle lipgloss.Style
	noticeStyle lipgloss.Style
}

// NewTerminal returns a sink writing to out. Colors are used when out is a terminal.
func NewTerminal(out io.Writer) *Terminal {
	renderer := lipgloss.NewRenderer(out)
	return &Terminal{
		out:         out,
		renderer:    renderer,
		timeStyle:   renderer.NewStyle().Faint(true),
		bufferStyle: renderer.NewStyle().Bold(true),
		systemStyle: renderer.NewStyle().Bold(true).Underline(true),
		noticeStyle: renderer.NewStyle().Italic(true),
	}
}

func (t *Terminal) Emit(event Event) {
	var text string
	switch event.Type {
	case EventBufferCreated:
		text = t.formatBuffer(event)
	case EventLineAppended:
		if event.Line == nil {
			return
		}
		text = t.formatLine(event)
	default:
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintln(t.out, text)
}

func (t *Terminal) formatBuffer(event Event) string {
	style := t.bufferStyle
	prefix := "  "
	if event.Buffer.Kind == chat.BufferKindSystem {
		style = t.systemStyle
		prefix = ""
	}
	marker := ""
	if event.Active {
		marker = " (active)"
	}
	return fmt.Sprintf("-- %s%s%s", prefix, style.Render(event.Buffer.Name), marker)
}

func (t *Terminal) formatLine(event Event) string {
	user := chat.AnonymousUser()
	if event.User != nil {
		user = *event.User
	}
	nick := t.renderer.NewStyle().Foreground(lipgloss.Color(user.Color)).Render(user.Nick)
	clock := t.timeStyle.Render(event.Line.Timestamp.Local().Format(clockLayout))
	buffer := t.bufferStyle.Render(event.Buffer.Name)

	switch event.Line.Kind {
	case chat.LineKindAction:
		return fmt.Sprintf("%s %s * %s %s", clock, buffer, nick, event.Line.Content)
	case chat.LineKindJoin, chat.LineKindPart, chat.LineKindQuit:
		return fmt.Sprintf("%s %s %s %s %s", clock, buffer, t.noticeStyle.Render(string(event.Line.Kind)), nick, event.Line.Content)
	case chat.LineKindNotice:
		return fmt.Sprintf("%s %s -%s- %s", clock, buffer, nick, t.noticeStyle.Render(event.Line.Content))
	default:
		return fmt.Sprintf("%s %s <%s> %s", clock, buffer, nick, event.Line.Content)
	}
}
