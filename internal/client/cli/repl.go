package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
)

// execIface is the command surface the REPL needs. The real App satisfies
// it; tests can provide a lightweight stub.
type execIface interface {
	Execute(ctx context.Context, args []string) error
}

var errUnterminatedQuote = errors.New("unterminated quote")

// splitArgs splits a command line into words. Single and double quotes
// group words and a backslash escapes the next character outside single
// quotes.
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped, inWord = true, true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote, inWord = r, true
		case unicode.IsSpace(r):
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 || escaped {
		return nil, errUnterminatedQuote
	}
	if inWord {
		args = append(args, cur.String())
	}
	return args, nil
}

// runREPL reads command lines from reader and executes each against a
// until EOF or "exit". Errors are printed and the loop goes on.
func runREPL(ctx context.Context, a execIface, statusFn func() string, reader *bufio.Reader, w io.Writer) {
	for {
		if ctx.Err() != nil {
			return
		}
		fmt.Fprintf(w, "gn %s> ", statusFn())
		line, err := reader.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			fmt.Fprintln(w)
			return
		}

		args, perr := splitArgs(line)
		if perr != nil {
			fmt.Fprintln(w, styles.Error.Render(perr.Error()))
			continue
		}
		if len(args) == 0 {
			continue
		}

		switch args[0] {
		case "exit", "quit":
			fmt.Fprintln(w, "Bye!")
			return
		case "shell":
			continue
		}
		if err := a.Execute(ctx, args); err != nil {
			fmt.Fprintln(w, styles.Error.Render("error: "+err.Error()))
		}
	}
}

// Shell signs in, syncs in the background and reads commands until the
// user leaves.
func (a *App) Shell(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	a.bgParent = ctx
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.bgParent = nil
		a.mu.Unlock()
		a.stopBackground()
	}()

	fmt.Fprintln(a.out, styles.Title.Render("gophnotes")+styles.Muted.Render(" (type 'help' for commands)"))
	if a.isLoggedIn() {
		a.startBackground(ctx)
	} else if err := a.Login(ctx); err != nil {
		fmt.Fprintln(a.out, styles.Error.Render("error: "+err.Error()))
	}
	go a.StartOnlineStatusWatcher(ctx, a.cfg.SyncInterval)

	runREPL(ctx, a, a.status, a.in, a.out)
	return nil
}
