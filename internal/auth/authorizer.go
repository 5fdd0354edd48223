package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNotInteractive is returned when a first-time authorization is needed but
// nobody can answer it.
var ErrNotInteractive = errors.New("not running interactively")

// Authorizer performs the interactive consent step of the authorization-code
// flow: it presents authURL to the operator and returns the URL the consent
// page redirected to.
type Authorizer interface {
	Authorize(ctx context.Context, authURL string) (string, error)
}

// TerminalAuthorizer asks the operator on a terminal.
type TerminalAuthorizer struct {
	In  io.Reader
	Out io.Writer
	// IsInteractive reports whether both In and Out are attached to a terminal.
	IsInteractive func() bool
}

// NewTerminalAuthorizer returns an authorizer bound to stdin and stdout.
func NewTerminalAuthorizer() *TerminalAuthorizer {
	return &TerminalAuthorizer{
		In:  os.Stdin,
		Out: os.Stdout,
		IsInteractive: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
		},
	}
}

func (a *TerminalAuthorizer) Authorize(ctx context.Context, authURL string) (string, error) {
	if a.IsInteractive != nil && !a.IsInteractive() {
		return "", ErrNotInteractive
	}

	_, _ = fmt.Fprintf(a.Out, "\nIn order to authorize access to your Cloud Drive, open the following URL "+
		"in a browser and copy the URL of the blank page the dialog leads to:\n\n%s\n\n", authURL)
	_, _ = fmt.Fprint(a.Out, "URL of the blank page: ")

	line, err := readLine(ctx, a.In)
	if err != nil {
		return "", fmt.Errorf("read redirect url: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("read redirect url: empty input")
	}
	// The redirect target is plain http on localhost; the token endpoint
	// only accepts the secure scheme.
	if strings.HasPrefix(line, "http://") {
		line = "https://" + strings.TrimPrefix(line, "http://")
	}
	return line, nil
}

// readLine returns the first line of r, or ctx.Err() when ctx is done first.
// In that case the reading goroutine stays blocked on r until it yields a line
// or EOF; the process is expected to exit soon after.
func readLine(ctx context.Context, r io.Reader) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(r).ReadString('\n')
		if errors.Is(err, io.EOF) && line != "" {
			err = nil
		}
		ch <- result{line, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		return res.line, res.err
	}
}
