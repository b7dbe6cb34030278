package stages

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("textHash", func() {
	It("is deterministic for identical content", func() {
		Expect(textHash("hello world")).To(Equal(textHash("hello world")))
	})

	It("differs for different content", func() {
		Expect(textHash("hello world")).NotTo(Equal(textHash("goodbye world")))
	})

	It("produces a 64-character hex digest", func() {
		h := textHash("anything")
		Expect(h).To(HaveLen(64))
		Expect(h).To(MatchRegexp("^[0-9a-f]{64}$"))
	})
})
