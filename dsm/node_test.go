package dsm_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/Tamaarine/CSE306-Assignment/dsm"
	"github.com/Tamaarine/CSE306-Assignment/handshake"
	"github.com/Tamaarine/CSE306-Assignment/hooking"
	"github.com/Tamaarine/CSE306-Assignment/msi"
	"github.com/Tamaarine/CSE306-Assignment/protocol"
	"github.com/Tamaarine/CSE306-Assignment/region"
)

const pageSize = 64

type pairOption func(b dsm.Builder) dsm.Builder

// gate holds back the peer requests it matches until it is opened.
type gate struct {
	op   protocol.Opcode
	open chan struct{}
	once sync.Once
	seen chan protocol.Request
}

func newGate(op protocol.Opcode) *gate {
	return &gate{
		op:   op,
		open: make(chan struct{}),
		seen: make(chan protocol.Request, 16),
	}
}

func (g *gate) Func(ctx hooking.HookCtx) {
	if ctx.Pos != dsm.HookPosBeforeServe {
		return
	}

	req := ctx.Item.(protocol.Request)
	if req.Op != g.op {
		return
	}

	g.seen <- req
	<-g.open
}

func (g *gate) release() {
	g.once.Do(func() { close(g.open) })
}

func listen() net.Listener {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	return l
}

func buildPair(optsA, optsB []pairOption) (a, b *dsm.Node) {
	la := listen()
	lb := listen()

	ba := dsm.MakeBuilder().
		WithListener(la).
		WithPeerAddr(lb.Addr().String()).
		WithIdentity(1).
		WithBackend(region.NewSimulatedBackend(pageSize))
	for _, o := range optsA {
		ba = o(ba)
	}

	bb := dsm.MakeBuilder().
		WithListener(lb).
		WithPeerAddr(la.Addr().String()).
		WithIdentity(2).
		WithBackend(region.NewSimulatedBackend(pageSize))
	for _, o := range optsB {
		bb = o(bb)
	}

	return ba.Build("A"), bb.Build("B")
}

func connectPair(a, b *dsm.Node, pageCount int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var errA, errB error

	wg.Add(2)
	go func() {
		defer wg.Done()
		if errA = a.Connect(ctx); errA == nil {
			_, errA = a.AllocateRegion(ctx, pageCount)
		}
	}()
	go func() {
		defer wg.Done()
		if errB = b.Connect(ctx); errB == nil {
			_, errB = b.AwaitRegion(ctx)
		}
	}()
	wg.Wait()

	Expect(errA).NotTo(HaveOccurred())
	Expect(errB).NotTo(HaveOccurred())
}

func page(s string) []byte {
	p := make([]byte, pageSize)
	copy(p, s)

	return p
}

func stateOf(n *dsm.Node, index int) msi.State {
	return n.ViewStates()[index].State
}

var _ = Describe("Node", func() {
	var (
		a, b   *dsm.Node
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	})

	AfterEach(func() {
		cancel()
		if a != nil {
			Expect(a.Close()).To(Succeed())
		}
		if b != nil {
			Expect(b.Close()).To(Succeed())
		}
		a, b = nil, nil
	})

	Context("before the region exists", func() {
		BeforeEach(func() {
			a, b = buildPair(nil, nil)
		})

		It("should refuse page operations before connecting", func() {
			_, err := a.ReadPage(0)
			Expect(err).To(MatchError(dsm.ErrNotConnected))

			_, err = a.AllocateRegion(ctx, 1)
			Expect(err).To(MatchError(dsm.ErrNotConnected))

			Expect(a.ViewStates()).To(BeNil())
			Expect(a.Role()).To(Equal(handshake.RoleUndecided))
		})

		It("should elect roles and refuse the other role's setup", func() {
			var wg sync.WaitGroup
			wg.Add(2)
			go func() { defer wg.Done(); Expect(a.Connect(ctx)).To(Succeed()) }()
			go func() { defer wg.Done(); Expect(b.Connect(ctx)).To(Succeed()) }()
			wg.Wait()

			Expect(a.Role()).To(Equal(handshake.RoleFirst))
			Expect(b.Role()).To(Equal(handshake.RoleSecond))

			_, err := b.AllocateRegion(ctx, 4)
			Expect(err).To(MatchError(dsm.ErrWrongRole))

			_, err = a.AwaitRegion(ctx)
			Expect(err).To(MatchError(dsm.ErrWrongRole))

			_, err = a.ReadPage(0)
			Expect(err).To(MatchError(dsm.ErrNoRegion))
		})

		It("should return ErrClosed after close", func() {
			Expect(a.Close()).To(Succeed())
			Expect(a.Close()).To(Succeed())

			Expect(a.Connect(ctx)).To(MatchError(dsm.ErrClosed))
			Expect(a.Wait()).To(Succeed())
		})
	})

	Context("with a shared region", func() {
		BeforeEach(func() {
			a, b = buildPair(nil, nil)
			connectPair(a, b, 4)
		})

		It("should mirror the region at the same address", func() {
			Expect(a.ViewStates()).To(HaveLen(4))
			Expect(b.ViewStates()).To(HaveLen(4))
			for _, ps := range a.ViewStates() {
				Expect(ps.State).To(Equal(msi.Invalid))
			}
		})

		It("should read a never-written page as zeros on both sides", func() {
			data, err := b.ReadPage(2)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal(make([]byte, pageSize)))

			data, err = a.ReadPage(2)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal(make([]byte, pageSize)))

			Expect(stateOf(a, 2)).To(Equal(msi.Shared))
			Expect(stateOf(b, 2)).To(Equal(msi.Shared))
			Expect(a.Stats().ZeroPages).To(Equal(uint64(1)))
			Expect(a.Stats().Fetches).To(BeZero())
		})

		It("should fetch a written page exactly once", func() {
			Expect(a.WritePage(ctx, 1, []byte("from A"))).To(Succeed())
			Expect(stateOf(a, 1)).To(Equal(msi.Modified))
			Expect(stateOf(b, 1)).To(Equal(msi.Invalid))

			before := b.Stats().Fetches
			data, err := b.ReadPage(1)

			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal(page("from A")))
			Expect(b.Stats().Fetches - before).To(Equal(uint64(1)))
			Expect(stateOf(a, 1)).To(Equal(msi.Shared))
			Expect(stateOf(b, 1)).To(Equal(msi.Shared))
		})

		It("should not fault when re-reading a Shared page", func() {
			_, err := b.ReadPage(0)
			Expect(err).NotTo(HaveOccurred())
			stats := b.Stats()

			for i := 0; i < 5; i++ {
				_, err = b.ReadPage(0)
				Expect(err).NotTo(HaveOccurred())
			}

			after := b.Stats()
			Expect(after.Faults).To(Equal(stats.Faults))
			Expect(after.Fetches).To(Equal(stats.Fetches))
			Expect(after.Reads - stats.Reads).To(Equal(uint64(5)))
		})

		It("should carry hello and world across", func() {
			Expect(a.WritePage(ctx, 0, []byte("hello"))).To(Succeed())

			data, err := b.ReadPage(0)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal(page("hello")))

			Expect(b.WritePage(ctx, 0, []byte("world"))).To(Succeed())
			Expect(stateOf(a, 0)).To(Equal(msi.Invalid))

			data, err = a.ReadPage(0)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal(page("world")))
		})

		It("should zero-fill the rest of a shorter write", func() {
			Expect(a.WritePage(ctx, 3, bytes.Repeat([]byte{'x'}, pageSize))).To(Succeed())
			Expect(a.WritePage(ctx, 3, []byte("ab"))).To(Succeed())

			data, err := b.ReadPage(3)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal(page("ab")))
		})

		It("should reject bad pages and oversized data", func() {
			_, err := a.ReadPage(4)
			Expect(err).To(MatchError(dsm.ErrPageOutOfRange))

			_, err = a.ReadPage(-1)
			Expect(err).To(MatchError(dsm.ErrPageOutOfRange))

			err = a.WritePage(ctx, 0, make([]byte, pageSize+1))
			Expect(err).To(MatchError(dsm.ErrPageTooLarge))
		})

		It("should forget local copies on resync", func() {
			Expect(a.WritePage(ctx, 0, []byte("kept by B"))).To(Succeed())
			_, err := b.ReadPage(0)
			Expect(err).NotTo(HaveOccurred())

			Expect(b.Resync()).To(Succeed())
			for _, ps := range b.ViewStates() {
				Expect(ps.State).To(Equal(msi.Invalid))
			}

			before := b.Stats().Fetches
			data, err := b.ReadPage(0)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal(page("kept by B")))
			Expect(b.Stats().Fetches - before).To(Equal(uint64(1)))
		})

		It("should keep pages coherent under concurrent readers", func() {
			Expect(a.WritePage(ctx, 2, []byte("shared"))).To(Succeed())

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					data, err := b.ReadPage(2)
					Expect(err).NotTo(HaveOccurred())
					Expect(data).To(Equal(page("shared")))
				}()
			}
			wg.Wait()

			Expect(b.Stats().Fetches).To(Equal(uint64(1)))
		})

		It("should surface the death of the peer", func() {
			Expect(b.Close()).To(Succeed())
			b = nil

			Eventually(a.Done()).Should(BeClosed())
			Expect(errors.Is(a.Wait(), dsm.ErrPeerClosed)).To(BeTrue())

			_, err := a.ReadPage(1)
			Expect(err).To(MatchError(dsm.ErrPeerClosed))
		})
	})

	Context("with hooks", func() {
		var mockCtrl *gomock.Controller

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
		})

		It("should report faults, fetches, and transitions", func() {
			var lock sync.Mutex
			var positions []*hooking.HookPos
			var transitions []msi.Transition

			hook := NewMockHook(mockCtrl)
			hook.EXPECT().Func(gomock.Any()).Do(func(ctx hooking.HookCtx) {
				lock.Lock()
				defer lock.Unlock()

				Expect(ctx.Domain.(*dsm.Node).Name()).To(Equal("B"))
				positions = append(positions, ctx.Pos)
				if t, ok := ctx.Item.(msi.Transition); ok {
					transitions = append(transitions, t)
				}
			}).AnyTimes()

			a, b = buildPair(nil, nil)
			b.AcceptHook(hook)
			connectPair(a, b, 2)

			Expect(a.WritePage(ctx, 1, []byte("x"))).To(Succeed())
			_, err := b.ReadPage(1)
			Expect(err).NotTo(HaveOccurred())

			lock.Lock()
			defer lock.Unlock()
			Expect(positions).To(ContainElements(
				dsm.HookPosBeforeServe,
				dsm.HookPosAfterServe,
				dsm.HookPosFault,
				dsm.HookPosFetch,
				dsm.HookPosTransition,
			))
			Expect(transitions).To(ContainElement(msi.Transition{
				Page: 1, From: msi.Invalid, To: msi.Shared,
				Event: msi.EventFault, Generation: 1,
			}))
		})
	})

	Context("when invalidations are held back", func() {
		var gateA, gateB *gate

		BeforeEach(func() {
			gateA = newGate(protocol.OpInvalidate)
			gateB = newGate(protocol.OpInvalidate)

			noWait := func(b dsm.Builder) dsm.Builder { return b.WithoutInvalidateWait() }
			a, b = buildPair([]pairOption{noWait}, []pairOption{noWait})
			a.AcceptHook(gateA)
			b.AcceptHook(gateB)
			connectPair(a, b, 2)
		})

		AfterEach(func() {
			gateA.release()
			gateB.release()
		})

		It("should let the peer read a stale copy until the invalidate lands", func() {
			gateB.release()
			Expect(a.WritePage(ctx, 0, []byte("hello"))).To(Succeed())
			Eventually(func() msi.State { return stateOf(b, 0) }).
				Should(Equal(msi.Invalid))
			_, err := b.ReadPage(0)
			Expect(err).NotTo(HaveOccurred())

			gateB = newGate(protocol.OpInvalidate)
			b.AcceptHook(gateB)

			Expect(a.WritePage(ctx, 0, []byte("world"))).To(Succeed())
			Eventually(gateB.seen).Should(Receive())

			data, err := b.ReadPage(0)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal(page("hello")))
			Expect(stateOf(b, 0)).To(Equal(msi.Shared))

			gateB.release()
			Eventually(func() msi.State { return stateOf(b, 0) }).
				Should(Equal(msi.Invalid))

			data, err = b.ReadPage(0)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal(page("world")))
		})

		It("should not arbitrate concurrent writers", func() {
			Expect(a.WritePage(ctx, 1, []byte("A wins"))).To(Succeed())
			Expect(b.WritePage(ctx, 1, []byte("B wins"))).To(Succeed())
			Eventually(gateA.seen).Should(Receive())
			Eventually(gateB.seen).Should(Receive())

			Expect(stateOf(a, 1)).To(Equal(msi.Modified))
			Expect(stateOf(b, 1)).To(Equal(msi.Modified))

			gateA.release()
			gateB.release()

			Eventually(func() msi.State { return stateOf(a, 1) }).
				Should(Equal(msi.Invalid))
			Eventually(func() msi.State { return stateOf(b, 1) }).
				Should(Equal(msi.Invalid))

			data, err := a.ReadPage(1)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal(make([]byte, pageSize)))
		})
	})

	Context("when the peer does not answer fetches", func() {
		var gateB *gate

		BeforeEach(func() {
			gateB = newGate(protocol.OpFetch)

			timeout := func(b dsm.Builder) dsm.Builder {
				return b.WithFetchTimeout(100 * time.Millisecond)
			}
			a, b = buildPair([]pairOption{timeout}, nil)
			b.AcceptHook(gateB)
			connectPair(a, b, 2)
		})

		AfterEach(func() {
			gateB.release()
		})

		It("should fail with a fetch timeout", func() {
			_, err := a.ReadPage(1)

			Expect(err).To(MatchError(dsm.ErrFetchTimeout))
			Expect(a.Err()).To(MatchError(dsm.ErrFetchTimeout))
		})
	})
})
