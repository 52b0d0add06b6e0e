package entity_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/watchstate/syncengine/entity"
)

var _ = Describe("Sanitize", func() {
	DescribeTable("guid pattern validation",
		func(source, value string, keep bool) {
			out := entity.Sanitize(entity.GUIDs{source: value}, nil)
			if keep {
				Expect(out).To(HaveKeyWithValue(source, value))
			} else {
				Expect(out).NotTo(HaveKey(source))
			}
		},
		Entry("valid imdb", "imdb", "tt1160419", true),
		Entry("invalid imdb missing tt prefix", "imdb", "1160419", false),
		Entry("valid tvdb", "tvdb", "12345", true),
		Entry("invalid tvdb non-numeric", "tvdb", "abc", false),
		Entry("unknown source dropped", "letterboxd", "dune-2021", false),
		Entry("empty value dropped", "imdb", "", false),
	)

	It("returns nil for an empty input set", func() {
		Expect(entity.Sanitize(nil, nil)).To(BeNil())
	})
})

var _ = Describe("VirtualGUID", func() {
	It("builds backend://name:id", func() {
		Expect(entity.VirtualGUID("home_plex", "12345")).To(Equal("backend://home_plex:12345"))
	})

	It("lowercases the backend name", func() {
		Expect(entity.VirtualGUID("Home_Plex", "12345")).To(Equal("backend://home_plex:12345"))
	})

	It("rejects an empty remote id", func() {
		Expect(entity.VirtualGUID("home_plex", "")).To(BeEmpty())
	})
})

var _ = Describe("RelativeGUID", func() {
	It("builds relative://parent:SxxExx", func() {
		Expect(entity.RelativeGUID("imdb://tt0903747", 1, 5)).To(Equal("relative://imdb://tt0903747:S01E05"))
	})

	It("returns empty without a parent pointer", func() {
		Expect(entity.RelativeGUID("", 1, 5)).To(BeEmpty())
	})
})
