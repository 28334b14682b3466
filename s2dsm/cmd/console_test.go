package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Tamaarine/CSE306-Assignment/dsm"
	"github.com/Tamaarine/CSE306-Assignment/msi"
)

type fakeNode struct {
	pages   [][]byte
	states  []msi.State
	readErr error
	writes  []int
}

func newFakeNode(pageCount, pageSize int) *fakeNode {
	n := &fakeNode{
		pages:  make([][]byte, pageCount),
		states: make([]msi.State, pageCount),
	}

	for i := range n.pages {
		n.pages[i] = make([]byte, pageSize)
		n.states[i] = msi.Invalid
	}

	return n
}

func (n *fakeNode) ReadPage(index int) ([]byte, error) {
	if n.readErr != nil {
		return nil, n.readErr
	}

	if n.states[index] == msi.Invalid {
		n.states[index] = msi.Shared
	}

	return append([]byte(nil), n.pages[index]...), nil
}

func (n *fakeNode) WritePage(_ context.Context, index int, data []byte) error {
	clear(n.pages[index])
	copy(n.pages[index], data)
	n.states[index] = msi.Modified
	n.writes = append(n.writes, index)

	return nil
}

func (n *fakeNode) ViewStates() []msi.PageState {
	states := make([]msi.PageState, len(n.states))
	for i, s := range n.states {
		states[i] = msi.PageState{Index: i, State: s}
	}

	return states
}

var _ = Describe("Console", func() {
	var (
		node *fakeNode
		out  *bytes.Buffer
	)

	run := func(input string) error {
		c := newConsole(strings.NewReader(input), out)
		c.attach(node, 2, 16)

		return c.run(context.Background())
	}

	BeforeEach(func() {
		node = newFakeNode(2, 16)
		out = new(bytes.Buffer)
	})

	It("should stop at the end of the input", func() {
		Expect(run("")).To(Succeed())
		Expect(out.String()).To(Equal(
			"> Which command should I run? (r:read, w:write, v:view msi array): "))
	})

	It("should reject unknown commands", func() {
		Expect(run("x\n")).To(Succeed())
		Expect(out.String()).To(ContainSubstring(
			"Invalid operation specified (r:read, w:write, v:view msi array)\n"))
	})

	It("should list the states", func() {
		node.states[1] = msi.Modified

		Expect(run("v\n")).To(Succeed())
		Expect(out.String()).To(ContainSubstring(
			"  [*]  Page 0:\nInvalid\n  [*]  Page 1:\nModified\n"))
	})

	It("should write and print one page", func() {
		Expect(run("w\nhello\n1\n")).To(Succeed())

		Expect(out.String()).To(ContainSubstring("> Type your new message: "))
		Expect(out.String()).To(ContainSubstring(
			"> For which page? (0-1, or -1 for all): "))
		Expect(out.String()).To(ContainSubstring("  [*]  Page 1:\nhello\n"))
		Expect(node.writes).To(Equal([]int{1}))
		Expect(node.states[1]).To(Equal(msi.Modified))
	})

	It("should write every page with -1", func() {
		Expect(run("w\nworld\n-1\n")).To(Succeed())

		Expect(node.writes).To(Equal([]int{0, 1}))
		Expect(out.String()).To(ContainSubstring(
			"  [*]  Page 0:\nworld\n  [*]  Page 1:\nworld\n"))
	})

	It("should cut messages that do not fit in a page", func() {
		Expect(run("w\n" + strings.Repeat("a", 40) + "\n0\n")).To(Succeed())

		Expect(cString(node.pages[0])).To(Equal(strings.Repeat("a", 15)))
	})

	It("should read pages up to the first zero byte", func() {
		copy(node.pages[0], "hi\x00junk")

		Expect(run("r\n0\n")).To(Succeed())
		Expect(out.String()).To(ContainSubstring("  [*]  Page 0:\nhi\n"))
		Expect(node.states[0]).To(Equal(msi.Shared))
	})

	It("should read every page with -1", func() {
		Expect(run("r\n-1\n")).To(Succeed())
		Expect(out.String()).To(ContainSubstring(
			"  [*]  Page 0:\n\n  [*]  Page 1:\n\n"))
	})

	DescribeTable("should reject bad page numbers",
		func(page string) {
			Expect(run("r\n" + page + "\n")).To(Succeed())
			Expect(out.String()).To(ContainSubstring(
				"Invalid page number specified (0-1, or -1 for all)\n"))
		},
		Entry("too large", "2"),
		Entry("below -1", "-2"),
		Entry("not a number", "abc"),
	)

	It("should keep going after a rejected page", func() {
		Expect(run("r\n5\nv\n")).To(Succeed())
		Expect(out.String()).To(ContainSubstring("  [*]  Page 1:\nInvalid\n"))
	})

	It("should accept the last line without a newline", func() {
		Expect(run("w\nbye\n0")).To(Succeed())
		Expect(node.writes).To(Equal([]int{0}))
	})

	It("should stop when the input ends inside a command", func() {
		Expect(run("w\n")).To(Succeed())
		Expect(node.writes).To(BeEmpty())
	})

	It("should return node errors", func() {
		node.readErr = dsm.ErrPeerClosed

		err := run("r\n0\n")

		Expect(errors.Is(err, dsm.ErrPeerClosed)).To(BeTrue())
	})

	Describe("page count prompt", func() {
		It("should ask until the answer is positive", func() {
			c := newConsole(strings.NewReader("0\nabc\n3\n"), out)

			n, err := c.askPageCount()

			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(3))
			Expect(strings.Count(out.String(),
				"> How many pages would you like to allocate (greater than 0)? ")).
				To(Equal(3))
		})

		It("should fail when the input ends", func() {
			c := newConsole(strings.NewReader(""), out)

			_, err := c.askPageCount()

			Expect(err).To(HaveOccurred())
		})
	})
})
