package auth

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalAuthorizer(t *testing.T) {
	var out bytes.Buffer
	a := &TerminalAuthorizer{
		In:            strings.NewReader("  http://127.0.0.1/?code=abc&state=s  \n"),
		Out:           &out,
		IsInteractive: func() bool { return true },
	}

	got, err := a.Authorize(context.Background(), "https://provider.example/auth?x=1")
	require.NoError(t, err)
	assert.Equal(t, "https://127.0.0.1/?code=abc&state=s", got)
	assert.Contains(t, out.String(), "https://provider.example/auth?x=1")
}

func TestTerminalAuthorizer_NotInteractive(t *testing.T) {
	var out bytes.Buffer
	a := &TerminalAuthorizer{In: strings.NewReader("x\n"), Out: &out, IsInteractive: func() bool { return false }}

	_, err := a.Authorize(context.Background(), "https://provider.example/auth")
	require.ErrorIs(t, err, ErrNotInteractive)
	assert.Empty(t, out.String())
}

func TestTerminalAuthorizer_EmptyInput(t *testing.T) {
	a := &TerminalAuthorizer{In: strings.NewReader("\n"), Out: io.Discard}
	_, err := a.Authorize(context.Background(), "u")
	assert.Error(t, err)
}

func TestTerminalAuthorizer_ContextCanceled(t *testing.T) {
	r, w := io.Pipe()
	defer func() { _ = w.Close() }()
	a := &TerminalAuthorizer{In: r, Out: io.Discard}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Authorize(ctx, "u")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
