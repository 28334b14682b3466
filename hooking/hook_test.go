package hooking_test

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Tamaarine/CSE306-Assignment/hooking"
)

type countingHook struct {
	sync.Mutex
	positions []string
}

func (h *countingHook) Func(ctx hooking.HookCtx) {
	h.Lock()
	defer h.Unlock()

	h.positions = append(h.positions, ctx.Pos.Name)
}

var _ = Describe("HookableBase", func() {
	var (
		base *hooking.HookableBase
		pos  = &hooking.HookPos{Name: "Test"}
	)

	BeforeEach(func() {
		base = &hooking.HookableBase{}
	})

	It("should invoke hooks in registration order", func() {
		var order []int
		base.AcceptHook(hooking.HookFunc(func(hooking.HookCtx) {
			order = append(order, 1)
		}))
		base.AcceptHook(hooking.HookFunc(func(hooking.HookCtx) {
			order = append(order, 2)
		}))

		base.InvokeHook(hooking.HookCtx{Domain: base, Pos: pos})

		Expect(order).To(Equal([]int{1, 2}))
		Expect(base.NumHooks()).To(Equal(2))
	})

	It("should pass the context through", func() {
		var got hooking.HookCtx
		base.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
			got = ctx
		}))

		base.InvokeHook(hooking.HookCtx{Domain: base, Pos: pos, Item: 7})

		Expect(got.Pos).To(BeIdenticalTo(pos))
		Expect(got.Item).To(Equal(7))
	})

	It("should panic on duplicated hooks", func() {
		hook := &countingHook{}
		base.AcceptHook(hook)

		Expect(func() { base.AcceptHook(hook) }).To(Panic())
	})

	It("should return a copy of the hook list", func() {
		hook := &countingHook{}
		base.AcceptHook(hook)

		hooks := base.Hooks()
		hooks[0] = nil

		Expect(base.Hooks()[0]).To(BeIdenticalTo(hook))
	})

	It("should be safe to invoke concurrently", func() {
		hook := &countingHook{}
		base.AcceptHook(hook)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				base.InvokeHook(hooking.HookCtx{Domain: base, Pos: pos})
			}()
		}
		wg.Wait()

		Expect(hook.positions).To(HaveLen(8))
	})
})
