package tracing

import (
	"bytes"
	"log"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/Tamaarine/CSE306-Assignment/dsm"
	"github.com/Tamaarine/CSE306-Assignment/hooking"
	"github.com/Tamaarine/CSE306-Assignment/msi"
	"github.com/Tamaarine/CSE306-Assignment/protocol"
)

type fakeNode struct {
	hooking.HookableBase
}

func (n *fakeNode) Name() string {
	return "A"
}

var _ = Describe("NodeLogger", func() {
	var (
		buf    *bytes.Buffer
		node   *fakeNode
		logger *NodeLogger
	)

	BeforeEach(func() {
		buf = new(bytes.Buffer)
		node = &fakeNode{}
		logger = NewNodeLogger(log.New(buf, "", 0))
		node.AcceptHook(logger)
	})

	It("should log transitions", func() {
		node.InvokeHook(hooking.HookCtx{
			Domain: node,
			Pos:    dsm.HookPosTransition,
			Item: msi.Transition{
				Page: 2, From: msi.Invalid, To: msi.Shared, Event: msi.EventFault,
			},
		})

		Expect(buf.String()).To(Equal("A,Transition,page 2: Invalid -> Shared (Fault)\n"))
	})

	It("should log served requests with their response", func() {
		node.InvokeHook(hooking.HookCtx{
			Domain: node,
			Pos:    dsm.HookPosAfterServe,
			Item:   protocol.Request{Op: protocol.OpFetch, Page: 1},
			Detail: protocol.Response{Flag: protocol.FlagHasData},
		})

		Expect(buf.String()).To(Equal("A,AfterServe,Fetch(1) -> HasData\n"))
	})

	It("should log faults", func() {
		node.InvokeHook(hooking.HookCtx{
			Domain: node,
			Pos:    dsm.HookPosFault,
			Item:   dsm.Fault{Page: 3},
		})

		Expect(buf.String()).To(Equal("A,Fault,page 3\n"))
	})

	It("should ignore unknown items", func() {
		node.InvokeHook(hooking.HookCtx{
			Domain: node,
			Pos:    &hooking.HookPos{Name: "Other"},
			Item:   42,
		})

		Expect(buf.String()).To(BeEmpty())
	})
})

var _ = Describe("Recorder", func() {
	var (
		mockCtrl     *gomock.Controller
		dataRecorder *MockDataRecorder
		recorder     *Recorder
		node         *fakeNode
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		dataRecorder = NewMockDataRecorder(mockCtrl)
		node = &fakeNode{}

		dataRecorder.EXPECT().CreateTable(EventTable, Event{})
		recorder = NewRecorder(dataRecorder)
		recorder.now = func() time.Time { return time.Unix(0, 42) }
		node.AcceptHook(recorder)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should record transitions", func() {
		dataRecorder.EXPECT().
			InsertData(EventTable, gomock.Any()).
			Do(func(_ string, entry any) {
				e := entry.(Event)
				Expect(e.ID).NotTo(BeEmpty())
				e.ID = ""
				Expect(e).To(Equal(Event{
					Time:      42,
					Node:      "A",
					Pos:       "Transition",
					Page:      0,
					FromState: "Shared",
					ToState:   "Modified",
					Cause:     "LocalWrite",
				}))
			})

		node.InvokeHook(hooking.HookCtx{
			Domain: node,
			Pos:    dsm.HookPosTransition,
			Item: msi.Transition{
				Page: 0, From: msi.Shared, To: msi.Modified, Event: msi.EventLocalWrite,
			},
		})
	})

	It("should record fetches with their response", func() {
		dataRecorder.EXPECT().
			InsertData(EventTable, gomock.Any()).
			Do(func(_ string, entry any) {
				e := entry.(Event)
				Expect(e.Op).To(Equal("Fetch"))
				Expect(e.Flag).To(Equal("AlsoInvalid"))
				Expect(e.Page).To(Equal(3))
			})

		node.InvokeHook(hooking.HookCtx{
			Domain: node,
			Pos:    dsm.HookPosFetch,
			Item:   protocol.Request{Op: protocol.OpFetch, Page: 3},
			Detail: protocol.Response{Flag: protocol.FlagAlsoInvalid},
		})
	})

	It("should give every event its own id", func() {
		var ids []string
		dataRecorder.EXPECT().
			InsertData(EventTable, gomock.Any()).
			Do(func(_ string, entry any) {
				ids = append(ids, entry.(Event).ID)
			}).
			Times(2)

		for i := 0; i < 2; i++ {
			node.InvokeHook(hooking.HookCtx{
				Domain: node,
				Pos:    dsm.HookPosFault,
				Item:   dsm.Fault{Page: i},
			})
		}

		Expect(ids[0]).NotTo(Equal(ids[1]))
	})

	It("should not record unknown items", func() {
		node.InvokeHook(hooking.HookCtx{
			Domain: node,
			Pos:    dsm.HookPosFault,
			Item:   "something else",
		})
	})
})
