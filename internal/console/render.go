package console

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/TPCP-Project/tpcp-chat/internal/conversation"
	"github.com/TPCP-Project/tpcp-chat/internal/models"
	"github.com/TPCP-Project/tpcp-chat/internal/realtime"
)

var (
	senderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	selfStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

// Renderer prints what changed between successive views. It keeps the
// position of each message so commands can refer to messages by number.
type Renderer struct {
	out    io.Writer
	selfID string

	mu       sync.Mutex
	convID   string
	seen     map[string]string // message id -> rendered signature
	order    []string
	notice   string
	typing   string
	state    conversation.State
	conn     realtime.State
	hasConn  bool
	listSeen string
}

func NewRenderer(out io.Writer, selfID string) *Renderer {
	return &Renderer{out: out, selfID: selfID, seen: make(map[string]string)}
}

func signature(m *models.Message) string {
	var b strings.Builder
	b.WriteString(string(m.Status))
	b.WriteString(m.Content)
	for _, r := range m.Reactions {
		b.WriteString(r.UserID + r.Emoji)
	}
	return b.String()
}

func reactionSummary(rs []models.Reaction) string {
	if len(rs) == 0 {
		return ""
	}
	counts := make(map[string]int)
	for _, r := range rs {
		counts[r.Emoji]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s×%d", k, counts[k])
	}
	return " " + dimStyle.Render(strings.Join(parts, " "))
}

func (r *Renderer) line(n int, m *models.Message, updated bool) string {
	name := m.Sender.Name
	if name == "" {
		name = m.Sender.ID
	}
	style := senderStyle
	if m.Sender.ID == r.selfID {
		style = selfStyle
	}
	body := m.Content
	if m.IsDeleted() {
		body = dimStyle.Render("(message deleted)")
	}
	prefix := dimStyle.Render(fmt.Sprintf("[%d] %s", n, m.CreatedAt.Local().Format("15:04")))
	if updated {
		prefix += dimStyle.Render(" ~")
	}
	return fmt.Sprintf("%s %s: %s%s", prefix, style.Render(name), body, reactionSummary(m.Reactions))
}

// Render writes the delta between v and the previous view.
func (r *Renderer) Render(v conversation.View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ""
	if v.Conversation != nil {
		id = v.Conversation.ID
	}
	if id != r.convID {
		r.convID = id
		r.seen = make(map[string]string)
		r.order = nil
		r.typing = ""
		if v.Conversation != nil {
			fmt.Fprintln(r.out, headerStyle.Render("# "+v.Conversation.Title()))
		}
	}
	if !r.hasConn || v.Connection.State != r.conn {
		r.hasConn = true
		r.conn = v.Connection.State
		if r.conn != realtime.StateIdle {
			fmt.Fprintln(r.out, statusStyle.Render("connection: "+r.conn.String()))
		}
	}
	if v.State != r.state {
		r.state = v.State
		if v.State == conversation.StateLoading {
			fmt.Fprintln(r.out, dimStyle.Render("loading…"))
		}
	}

	r.order = r.order[:0]
	for i := range v.Messages {
		m := &v.Messages[i]
		r.order = append(r.order, m.ID)
		sig := signature(m)
		prev, ok := r.seen[m.ID]
		if ok && prev == sig {
			continue
		}
		r.seen[m.ID] = sig
		fmt.Fprintln(r.out, r.line(i+1, m, ok))
	}

	typing := typingLine(v)
	if typing != r.typing {
		r.typing = typing
		if typing != "" {
			fmt.Fprintln(r.out, dimStyle.Render(typing))
		}
	}
	if v.Notice != r.notice {
		r.notice = v.Notice
		if v.Notice != "" {
			fmt.Fprintln(r.out, noticeStyle.Render("! "+v.Notice))
		}
	}
}

func typingLine(v conversation.View) string {
	if !v.TypingVisible || len(v.Typing) == 0 {
		return ""
	}
	names := make([]string, len(v.Typing))
	for i, u := range v.Typing {
		names[i] = u.Name
		if names[i] == "" {
			names[i] = u.ID
		}
	}
	if len(names) == 1 {
		return names[0] + " is typing…"
	}
	return strings.Join(names, ", ") + " are typing…"
}

// MessageID resolves a message reference: a 1-based position from the last
// render, or a literal id.
func (r *Renderer) MessageID(ref string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	if _, err := fmt.Sscanf(ref, "%d", &n); err == nil && fmt.Sprint(n) == ref {
		if n >= 1 && n <= len(r.order) {
			return r.order[n-1], true
		}
		return "", false
	}
	_, ok := r.seen[ref]
	return ref, ok
}

// RenderList prints the conversation list when it changed.
func (r *Renderer) RenderList(v conversation.ListView) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, page %d/%d)\n", headerStyle.Render("Conversations"), kindLabel(v.Kind),
		v.Pagination.CurrentPage, max(v.Pagination.TotalPages, 1))
	for i := range v.Conversations {
		c := &v.Conversations[i]
		unread := ""
		if c.UnreadCount > 0 {
			unread = noticeStyle.Render(fmt.Sprintf(" (%d)", c.UnreadCount))
		}
		fmt.Fprintf(&b, "  %d. %s %s%s\n", i+1, c.Title(), dimStyle.Render("["+string(c.Type)+"]"), unread)
	}
	if len(v.Conversations) == 0 {
		b.WriteString(dimStyle.Render("  no conversations") + "\n")
	}
	if v.Notice != "" {
		b.WriteString(noticeStyle.Render("! "+v.Notice) + "\n")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b.String() == r.listSeen {
		return
	}
	r.listSeen = b.String()
	fmt.Fprint(r.out, r.listSeen)
}

func kindLabel(k models.ConversationType) string {
	if k == "" {
		return "all"
	}
	return string(k)
}
