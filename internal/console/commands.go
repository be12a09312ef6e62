package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/TPCP-Project/tpcp-chat/internal/conversation"
	"github.com/TPCP-Project/tpcp-chat/internal/models"
	"github.com/TPCP-Project/tpcp-chat/internal/realtime"
)

var (
	ErrQuit           = errors.New("quit")
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("usage")
	ErrNoSuchItem     = errors.New("no such item")
)

const helpText = `Commands:
  <text>                    send a message to the open conversation
  /list [all|project|direct] show conversations, optionally filtered
  /search <text>            filter the list by name or description
  /page <n>                 show page n of the list
  /open <n|id>              open a conversation from the list
  /close                    close the open conversation
  /older                    load older messages
  /retry                    retry a failed load
  /react <n|id> <emoji>     react to a message
  /unreact <n|id> <emoji>   remove a reaction
  /delete <n|id>            delete a message
  /direct <userId>          open a direct conversation
  /dismiss                  clear the current notice
  /status                   show connection status
  /quit                     exit
`

// Command is one parsed input line.
type Command struct {
	Name string
	Args []string
	// Text is the raw input for plain messages.
	Text string
}

// Parse splits a line into a command. Lines without a leading slash are
// messages; "//" escapes a literal leading slash.
func Parse(line string) (Command, bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Command{}, false
	}
	if strings.HasPrefix(line, "//") {
		return Command{Name: "send", Text: line[1:]}, true
	}
	if !strings.HasPrefix(line, "/") {
		return Command{Name: "send", Text: line}, true
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return Command{}, false
	}
	cmd := Command{Name: strings.ToLower(fields[0]), Args: fields[1:]}
	if cmd.Name == "search" {
		cmd.Text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line[1:]), fields[0]))
	}
	return cmd, true
}

// Status is the slice of the transport manager the console reports on.
type Status interface {
	State() realtime.State
	Session() *realtime.Session
	Err() error
}

// Session binds console commands to the conversation controller and list.
type Session struct {
	ctrl   *conversation.Controller
	list   *conversation.List
	status Status
	render *Renderer
	out    io.Writer
}

func NewSession(ctrl *conversation.Controller, list *conversation.List, status Status, r *Renderer, out io.Writer) *Session {
	return &Session{ctrl: ctrl, list: list, status: status, render: r, out: out}
}

// Execute runs one input line. It returns ErrQuit when the user asks to
// leave.
func (s *Session) Execute(ctx context.Context, line string) error {
	cmd, ok := Parse(line)
	if !ok {
		return nil
	}
	switch cmd.Name {
	case "send":
		s.ctrl.SetDraft(cmd.Text)
		return s.ctrl.Send(ctx)
	case "help", "h", "?":
		fmt.Fprint(s.out, helpText)
		return nil
	case "quit", "q", "exit":
		return ErrQuit
	case "list", "ls":
		return s.listCmd(ctx, cmd.Args)
	case "search":
		s.list.SetQuery(cmd.Text)
		s.render.RenderList(s.list.Snapshot())
		return nil
	case "page":
		n, err := intArg(cmd.Args)
		if err != nil {
			return err
		}
		return s.list.SetPage(ctx, n)
	case "open", "switch":
		if len(cmd.Args) != 1 {
			return fmt.Errorf("%w: /open <n|id>", ErrUsage)
		}
		conv, err := s.resolveConversation(cmd.Args[0])
		if err != nil {
			return err
		}
		return s.ctrl.Select(ctx, conv)
	case "close":
		return s.ctrl.Select(ctx, nil)
	case "older":
		return s.ctrl.LoadOlder(ctx)
	case "retry":
		return s.ctrl.Retry(ctx)
	case "react", "unreact":
		if len(cmd.Args) != 2 {
			return fmt.Errorf("%w: /%s <n|id> <emoji>", ErrUsage, cmd.Name)
		}
		id, err := s.messageID(cmd.Args[0])
		if err != nil {
			return err
		}
		if cmd.Name == "react" {
			return s.ctrl.React(ctx, id, cmd.Args[1])
		}
		return s.ctrl.Unreact(ctx, id, cmd.Args[1])
	case "delete", "rm":
		if len(cmd.Args) != 1 {
			return fmt.Errorf("%w: /delete <n|id>", ErrUsage)
		}
		id, err := s.messageID(cmd.Args[0])
		if err != nil {
			return err
		}
		return s.ctrl.DeleteMessage(ctx, id)
	case "direct", "dm":
		if len(cmd.Args) != 1 {
			return fmt.Errorf("%w: /direct <userId>", ErrUsage)
		}
		_, err := s.ctrl.OpenDirect(ctx, cmd.Args[0])
		if err == nil {
			_ = s.list.Refresh(ctx)
		}
		return err
	case "dismiss":
		s.ctrl.DismissNotice()
		s.list.DismissNotice()
		return nil
	case "status":
		s.printStatus()
		return nil
	}
	return fmt.Errorf("%w: /%s (try /help)", ErrUnknownCommand, cmd.Name)
}

func intArg(args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%w: expected one number", ErrUsage)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q is not a positive number", ErrUsage, args[0])
	}
	return n, nil
}

func (s *Session) listCmd(ctx context.Context, args []string) error {
	if len(args) > 0 {
		var kind models.ConversationType
		switch strings.ToLower(args[0]) {
		case "all":
		case "project", "projects":
			kind = models.ConversationProject
		case "direct", "dm":
			kind = models.ConversationDirect
		default:
			return fmt.Errorf("%w: /list [all|project|direct]", ErrUsage)
		}
		if err := s.list.SetKind(ctx, kind); err != nil {
			return err
		}
	} else if err := s.list.Refresh(ctx); err != nil {
		return err
	}
	s.render.RenderList(s.list.Snapshot())
	return nil
}

// resolveConversation accepts a 1-based list position or a conversation id.
func (s *Session) resolveConversation(ref string) (*models.Conversation, error) {
	v := s.list.Snapshot()
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(v.Conversations) {
			return nil, fmt.Errorf("%w: conversation %d", ErrNoSuchItem, n)
		}
		c := v.Conversations[n-1]
		return &c, nil
	}
	if c, ok := s.list.Find(ref); ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: conversation %q", ErrNoSuchItem, ref)
}

func (s *Session) messageID(ref string) (string, error) {
	id, ok := s.render.MessageID(ref)
	if !ok {
		return "", fmt.Errorf("%w: message %q", ErrNoSuchItem, ref)
	}
	return id, nil
}

func (s *Session) printStatus() {
	st := s.status.State()
	line := "connection: " + st.String()
	if sess := s.status.Session(); sess != nil {
		line += fmt.Sprintf(" via %s (sid %s)", sess.Transport, sess.ID)
	}
	if err := s.status.Err(); err != nil && st != realtime.StateConnected {
		line += " - " + err.Error()
	}
	fmt.Fprintln(s.out, statusStyle.Render(line))
	if v := s.ctrl.Snapshot(); v.Conversation != nil {
		fmt.Fprintf(s.out, "open: %s (%s, %d messages)\n", v.Conversation.Title(), v.State, len(v.Messages))
	}
}
