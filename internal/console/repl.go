package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"go.uber.org/zap"
)

// LineReader yields input lines; io.EOF ends the session.
type LineReader interface {
	ReadLine(prompt string) (string, error)
	Close() error
}

// Liner reads lines with editing and persistent history.
type Liner struct {
	state       *liner.State
	historyFile string
}

func NewLiner(historyFile string) *Liner {
	st := liner.NewLiner()
	st.SetCtrlCAborts(true)
	l := &Liner{state: st, historyFile: historyFile}
	if historyFile != "" {
		if f, err := os.Open(historyFile); err == nil {
			_, _ = st.ReadHistory(f)
			f.Close()
		}
	}
	return l
}

func (l *Liner) ReadLine(prompt string) (string, error) {
	in, err := l.state.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", io.EOF
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(in) != "" {
		l.state.AppendHistory(in)
	}
	return in, nil
}

// Close writes history and restores the terminal.
func (l *Liner) Close() error {
	if l.historyFile != "" {
		if err := os.MkdirAll(filepath.Dir(l.historyFile), 0o700); err == nil {
			if f, err := os.OpenFile(l.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
				_, _ = l.state.WriteHistory(f)
				f.Close()
			}
		}
	}
	return l.state.Close()
}

// Run reads commands until EOF, /quit or ctx is done. Command errors are
// printed and the loop continues.
func Run(ctx context.Context, s *Session, in LineReader, log *zap.Logger) error {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		for {
			line, err := in.ReadLine("> ")
			if err != nil {
				errs <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case line := <-lines:
			err := s.Execute(ctx, line)
			switch {
			case errors.Is(err, ErrQuit):
				return nil
			case err != nil:
				log.Debug("command failed", zap.String("input", line), zap.Error(err))
				fmt.Fprintln(s.out, noticeStyle.Render("error: "+err.Error()))
			}
		}
	}
}
