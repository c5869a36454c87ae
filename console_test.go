package main

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleConfirm(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	var out bytes.Buffer
	c := newConsole(r, &out)
	ctx := context.Background()

	tests := []struct {
		input string
		want  bool
	}{
		{"\n", true},
		{"y\n", true},
		{"N\n", false},
	}
	for _, tt := range tests {
		done := make(chan bool, 1)
		go func() {
			ok, err := c.Confirm(ctx, "activate?")
			assert.NoError(t, err)
			done <- ok
		}()
		// let Ask register before the answer arrives
		require.Eventually(t, func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.answer != nil
		}, time.Second, time.Millisecond)
		_, err := w.Write([]byte(tt.input))
		require.NoError(t, err)
		assert.Equal(t, tt.want, <-done, tt.input)
	}
}

func TestConsoleDLG(t *testing.T) {
	r, w := io.Pipe()
	c := newConsole(r, io.Discard)

	fired := make(chan struct{})
	c.OnDLG(func() { close(fired) })
	_, err := w.Write([]byte("hello\ndlg\n"))
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("DLG did not trigger shutdown")
	}
	w.Close()

	_, err = c.Ask(context.Background(), "id: ")
	assert.Error(t, err)
}
