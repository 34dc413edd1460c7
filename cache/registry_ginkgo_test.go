package cache_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/kvfabric/datadist/cache"
	"github.com/kvfabric/datadist/memsys"
)

var _ = Describe("Registry", func() {
	var reg *cache.Registry

	BeforeEach(func() {
		reg = cache.NewRegistry(memsys.NewDevicePool(1<<20), memsys.NewHostPool(1<<20))
	})

	Describe("allocate_cache", func() {
		It("should hand back as many tensor addrs as num_tensors", func() {
			desc, err := cache.NewCacheDesc(3, []int64{2, 4}, cache.Int8, cache.Host, 0, -1, false)
			Expect(err).NotTo(HaveOccurred())

			c, err := reg.AllocateCache(desc, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.TensorAddrs).To(HaveLen(3))
			Expect(c.IsRegistered).To(BeFalse())
		})
	})

	Describe("register_cache", func() {
		It("should default remote_accessible to true for device placement pre-link", func() {
			desc, err := cache.NewCacheDesc(1, []int64{4}, cache.Float16, cache.Device, 0, -1, false)
			Expect(err).NotTo(HaveOccurred())

			c, err := reg.RegisterCache(desc, []uintptr{0x1234}, nil, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.RemoteAccessible).To(BeTrue())
		})

		It("should reject a resolved remote-accessible registration once a link exists", func() {
			reg.NoteLinkEstablished()
			desc, err := cache.NewCacheDesc(1, []int64{4}, cache.Float16, cache.Device, 0, -1, false)
			Expect(err).NotTo(HaveOccurred())

			wantTrue := true
			_, err = reg.RegisterCache(desc, []uintptr{0x1234}, nil, &wantTrue)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("deallocate_cache", func() {
		It("should invalidate the handle immediately even while a CacheKey is outstanding", func() {
			desc, err := cache.NewCacheDesc(1, []int64{4}, cache.Float16, cache.Host, 0, -1, false)
			Expect(err).NotTo(HaveOccurred())
			key, err := cache.NewCacheKey(1, 10, 2, cache.InvalidID)
			Expect(err).NotTo(HaveOccurred())

			c, err := reg.AllocateCache(desc, []cache.CacheKey{key})
			Expect(err).NotTo(HaveOccurred())

			Expect(reg.DeallocateCache(c.ID)).To(Succeed())
			Expect(c.Valid()).To(BeFalse())

			_, err = reg.Get(c.ID)
			Expect(err).To(HaveOccurred())
		})
	})
})
