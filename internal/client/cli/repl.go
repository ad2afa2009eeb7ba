package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
)

// call is one parsed input line. Rest is the text after the command name
// with inner spacing preserved.
type call struct {
	Args []string
	Rest string
}

type handler func(ctx context.Context, c call) error

// command is one REPL verb. Session commands are refused until the user
// is signed in, guest commands once they are.
type command struct {
	name    string
	aliases []string
	usage   string
	session bool
	guest   bool
	run     handler
}

func (c command) available(loggedIn bool) bool {
	return (!c.session || loggedIn) && (!c.guest || !loggedIn)
}

func (c command) matches(name string) bool {
	return c.name == name || slices.Contains(c.aliases, name)
}

// repl is a read–eval–print loop over a command table.
//
// It reads a line, takes the first token as the command and dispatches to
// the matching handler. Handler errors are reported and the loop carries
// on. The loop exits on EOF, on context cancellation, or when the user
// types "exit" or "quit".
type repl struct {
	commands []command
	loggedIn func() bool
	status   func() string
	// activity runs before every dispatched command.
	activity func()
	describe func(error) string

	in  *bufio.Reader
	out io.Writer
}

func (r *repl) run(ctx context.Context) {
	for ctx.Err() == nil {
		fmt.Fprintf(r.out, "gc %s> ", r.status())
		line, err := r.in.ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(r.out)
			return
		}
		if quit := r.dispatch(ctx, line); quit {
			return
		}
		if errors.Is(err, io.EOF) {
			return
		}
	}
}

// dispatch runs one input line and reports whether the loop should end.
func (r *repl) dispatch(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "help":
		r.help()
		return false
	case "exit", "quit":
		fmt.Fprintln(r.out, "Bye!")
		return true
	}

	i := slices.IndexFunc(r.commands, func(c command) bool { return c.matches(name) })
	if i < 0 {
		fmt.Fprintln(r.out, "Unknown command:", name)
		return false
	}
	cmd := r.commands[i]
	if logged := r.loggedIn(); !cmd.available(logged) {
		if logged {
			fmt.Fprintln(r.out, "Already logged in.")
		} else {
			fmt.Fprintln(r.out, "Please log in first.")
		}
		return false
	}

	if r.activity != nil {
		r.activity()
	}
	if err := cmd.run(ctx, call{Args: strings.Fields(rest), Rest: rest}); err != nil {
		fmt.Fprintln(r.out, "Error:", r.describeErr(err))
	}
	return false
}

func (r *repl) describeErr(err error) string {
	if r.describe == nil {
		return err.Error()
	}
	return r.describe(err)
}

func (r *repl) help() {
	logged := r.loggedIn()
	fmt.Fprintln(r.out, "Available commands:")
	for _, c := range r.commands {
		if !c.available(logged) {
			continue
		}
		fmt.Fprintf(r.out, "  %s\n", c.usage)
	}
	fmt.Fprintln(r.out, "  help")
	fmt.Fprintln(r.out, "  exit")
}

// errUsage reports a malformed command line.
type errUsage struct{ usage string }

func (e errUsage) Error() string { return "usage: " + e.usage }
