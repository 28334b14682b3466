package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Tamaarine/CSE306-Assignment/msi"
)

// pageNode is the part of a node the console drives.
type pageNode interface {
	ReadPage(index int) ([]byte, error)
	WritePage(ctx context.Context, index int, data []byte) error
	ViewStates() []msi.PageState
}

const allPages = -1

// console runs the interactive read, write and view loop.
type console struct {
	node      pageNode
	pageCount int
	pageSize  int
	in        *bufio.Reader
	out       io.Writer
}

func newConsole(in io.Reader, out io.Writer) *console {
	return &console{
		in:  bufio.NewReader(in),
		out: out,
	}
}

func (c *console) attach(node pageNode, pageCount, pageSize int) {
	c.node = node
	c.pageCount = pageCount
	c.pageSize = pageSize
}

// readLine returns the next line without its newline. The last line of the
// input is returned even without a newline; io.EOF is only returned once
// nothing is left.
func (c *console) readLine() (string, error) {
	line, err := c.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}

	return strings.TrimRight(line, "\r\n"), nil
}

// askPageCount prompts until the user enters a positive number.
func (c *console) askPageCount() (int, error) {
	for {
		fmt.Fprint(c.out,
			"> How many pages would you like to allocate (greater than 0)? ")

		line, err := c.readLine()
		if err != nil {
			return 0, err
		}

		n, err := strconv.Atoi(strings.TrimSpace(line))
		if err == nil && n > 0 {
			return n, nil
		}
	}
}

// run serves commands until the input ends. Errors from the node end the
// loop.
func (c *console) run(ctx context.Context) error {
	for {
		fmt.Fprint(c.out,
			"> Which command should I run? (r:read, w:write, v:view msi array): ")

		line, err := c.readLine()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		err = c.dispatch(ctx, strings.TrimSpace(line))
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}
	}
}

func (c *console) dispatch(ctx context.Context, op string) error {
	switch op {
	case "r":
		return c.read()
	case "w":
		return c.write(ctx)
	case "v":
		c.view()
		return nil
	default:
		fmt.Fprintln(c.out,
			"Invalid operation specified (r:read, w:write, v:view msi array)")
		return nil
	}
}

func (c *console) view() {
	for _, s := range c.node.ViewStates() {
		fmt.Fprintf(c.out, "  [*]  Page %d:\n%s\n", s.Index, s.State)
	}
}

// askPage returns a page index or allPages. ok is false when the input was
// not a valid choice.
func (c *console) askPage() (page int, ok bool, err error) {
	last := c.pageCount - 1

	fmt.Fprintf(c.out, "> For which page? (0-%d, or -1 for all): ", last)

	line, err := c.readLine()
	if err != nil {
		return 0, false, err
	}

	page, convErr := strconv.Atoi(strings.TrimSpace(line))
	if convErr != nil || page < allPages || page > last {
		fmt.Fprintf(c.out,
			"Invalid page number specified (0-%d, or -1 for all)\n", last)
		return 0, false, nil
	}

	return page, true, nil
}

func (c *console) pages(page int) []int {
	if page != allPages {
		return []int{page}
	}

	all := make([]int, c.pageCount)
	for i := range all {
		all[i] = i
	}

	return all
}

func (c *console) read() error {
	page, ok, err := c.askPage()
	if err != nil || !ok {
		return err
	}

	for _, i := range c.pages(page) {
		content, err := c.node.ReadPage(i)
		if err != nil {
			return err
		}

		c.printPage(i, content)
	}

	return nil
}

func (c *console) write(ctx context.Context) error {
	fmt.Fprint(c.out, "> Type your new message: ")

	msg, err := c.readLine()
	if err != nil {
		return err
	}

	// Keep room for the terminating zero byte.
	if limit := c.pageSize - 1; len(msg) > limit {
		msg = msg[:limit]
	}

	page, ok, err := c.askPage()
	if err != nil || !ok {
		return err
	}

	for _, i := range c.pages(page) {
		if err := c.node.WritePage(ctx, i, []byte(msg)); err != nil {
			return err
		}

		content, err := c.node.ReadPage(i)
		if err != nil {
			return err
		}

		c.printPage(i, content)
	}

	return nil
}

func (c *console) printPage(index int, content []byte) {
	fmt.Fprintf(c.out, "  [*]  Page %d:\n%s\n", index, cString(content))
}

// cString returns the bytes before the first zero byte.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}

	return string(b)
}
