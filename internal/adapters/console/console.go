// Package console drives the engine from a terminal: one line in, one
// response out. Buttons are numbered so typing the number presses them.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ggonzalez94/stakechat/internal/adapters"
	"github.com/ggonzalez94/stakechat/internal/engine"
	"github.com/ggonzalez94/stakechat/internal/policy"
)

const prompt = "> "

type Console struct {
	h      adapters.Handler
	in     io.Reader
	out    io.Writer
	user   string
	banner string

	// buttons from the latest response, in display order.
	buttons []engine.Button
}

func New(h adapters.Handler, in io.Reader, out io.Writer, user, banner string) *Console {
	if user == "" {
		user = "local"
	}
	return &Console{h: h, in: in, out: out, user: user, banner: banner}
}

// Run reads until EOF, "exit"/"quit", or ctx is cancelled.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.banner != "" {
		fmt.Fprintln(c.out, c.banner)
	}
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		fmt.Fprint(c.out, prompt)
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			return nil
		case err := <-errc:
			fmt.Fprintln(c.out)
			return err
		case line = <-lines:
		}
		line = strings.TrimSpace(line)
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		c.render(c.handle(ctx, line))
	}
}

func (c *Console) handle(ctx context.Context, line string) engine.Response {
	if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(c.buttons) {
		b := c.buttons[n-1]
		c.buttons = nil
		return c.h.HandleCallback(ctx, engine.CallbackRequest{
			Platform: policy.Console,
			UserID:   c.user,
			UserName: c.user,
			Payload:  c.h.CallbackData(b),
		})
	}
	return c.h.HandleText(ctx, engine.TextRequest{
		Platform: policy.Console,
		UserID:   c.user,
		UserName: c.user,
		ChatID:   policy.Console,
		Text:     line,
	})
}

func (c *Console) render(resp engine.Response) {
	fmt.Fprintln(c.out, resp.Text)
	c.buttons = c.buttons[:0]
	var labels []string
	for _, row := range resp.Buttons {
		for _, b := range row {
			c.buttons = append(c.buttons, b)
			labels = append(labels, fmt.Sprintf("[%d] %s", len(c.buttons), b.Label))
		}
	}
	if len(labels) > 0 {
		fmt.Fprintln(c.out, "  "+strings.Join(labels, "   "))
	}
}
