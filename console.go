package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// console reads operator lines from stdin. A pending prompt takes the next
// line; otherwise a DLG line triggers the shutdown callback.
type console struct {
	out io.Writer

	mu     sync.Mutex
	answer chan string
	onDLG  func()
	closed chan struct{}
}

func newConsole(in io.Reader, out io.Writer) *console {
	c := &console{out: out, closed: make(chan struct{})}
	go c.read(in)
	return c
}

func (c *console) read(in io.Reader) {
	defer close(c.closed)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())

		c.mu.Lock()
		answer := c.answer
		c.answer = nil
		onDLG := c.onDLG
		c.mu.Unlock()

		if answer != nil {
			answer <- line
			continue
		}
		if strings.EqualFold(line, "DLG") && onDLG != nil {
			onDLG()
		}
	}
}

// OnDLG sets the shutdown callback
func (c *console) OnDLG(fn func()) {
	c.mu.Lock()
	c.onDLG = fn
	c.mu.Unlock()
}

// Ask prints prompt and waits for the next line
func (c *console) Ask(ctx context.Context, prompt string) (string, error) {
	ch := make(chan string, 1)
	c.mu.Lock()
	c.answer = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.answer == ch {
			c.answer = nil
		}
		c.mu.Unlock()
	}()

	fmt.Fprint(c.out, prompt)
	select {
	case line := <-ch:
		return line, nil
	case <-c.closed:
		return "", errors.New("stdin closed")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Confirm asks a yes/no question; an empty answer is yes
func (c *console) Confirm(ctx context.Context, question string) (bool, error) {
	for {
		line, err := c.Ask(ctx, question+" (y/n) [y]: ")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(line) {
		case "", "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(c.out, "please answer y or n")
	}
}
