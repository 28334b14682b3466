//go:build linux && (amd64 || arm64)

package region

import (
	"bytes"
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("NativeBackend", func() {
	var (
		backend Backend
		r       *Region
	)

	BeforeEach(func() {
		r = nil

		var err error
		backend, err = NewNativeBackend()
		if err != nil {
			Skip("native backend unavailable: " + err.Error())
		}

		r, err = Allocate(backend, 2)
		if err != nil {
			Skip("userfaultfd unavailable: " + err.Error())
		}
	})

	AfterEach(func() {
		if r != nil {
			_ = r.Close()
		}
	})

	It("should intercept the first access and install content", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		done := make(chan []byte)
		go func() {
			buf := make([]byte, 5)
			r.Load(1, buf)
			done <- buf
		}()

		page, err := r.WaitForFault(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(page).To(Equal(1))

		content := make([]byte, r.PageSize())
		copy(content, "hello")
		Expect(r.Install(page, content)).To(Succeed())

		var got []byte
		Eventually(done).Should(Receive(&got))
		Expect(got).To(Equal([]byte("hello")))
	})

	It("should fault again after a release", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		go r.Touch(0)
		page, err := r.WaitForFault(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Install(page, nil)).To(Succeed())

		Expect(r.Release(0)).To(Succeed())

		done := make(chan []byte)
		go func() {
			buf := make([]byte, 3)
			r.Load(0, buf)
			done <- buf
		}()

		page, err = r.WaitForFault(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(page).To(Equal(0))
		Expect(r.Install(page, bytes.Repeat([]byte{9}, r.PageSize()))).To(Succeed())
		Eventually(done).Should(Receive(Equal([]byte{9, 9, 9})))
	})

	It("should return when the context ends", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
		defer cancel()

		_, err := r.WaitForFault(ctx)

		Expect(err).To(MatchError(context.DeadlineExceeded))
	})
})
