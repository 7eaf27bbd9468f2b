package manager_test

import (
	"context"
	"os"
	"time"

	"snapdrop/internal/config"
	"snapdrop/internal/manager"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalLocker", func() {
	var (
		locker *manager.LocalLocker
		ctx    context.Context
	)

	BeforeEach(func() {
		locker = manager.NewLocalLocker()
		ctx = context.Background()
	})

	It("refuses a held key", func() {
		unlock, err := locker.TryLock(ctx, "gameserver")
		Expect(err).NotTo(HaveOccurred())
		defer unlock()

		_, err = locker.TryLock(ctx, "gameserver")
		Expect(err).To(MatchError(manager.ErrBusy))
	})

	It("guards keys independently", func() {
		unlock, err := locker.TryLock(ctx, "a")
		Expect(err).NotTo(HaveOccurred())
		defer unlock()

		other, err := locker.TryLock(ctx, "b")
		Expect(err).NotTo(HaveOccurred())
		other()
	})

	It("frees the key on unlock and tolerates a double unlock", func() {
		unlock, err := locker.TryLock(ctx, "gameserver")
		Expect(err).NotTo(HaveOccurred())
		unlock()

		again, err := locker.TryLock(ctx, "gameserver")
		Expect(err).NotTo(HaveOccurred())

		unlock()
		_, err = locker.TryLock(ctx, "gameserver")
		Expect(err).To(MatchError(manager.ErrBusy))
		again()
	})
})

var _ = Describe("EtcdLocker", func() {
	var (
		locker *manager.EtcdLocker
		ctx    context.Context
		key    string
	)

	BeforeEach(func() {
		endpoints := config.SplitList(os.Getenv("ETCD_ENDPOINTS"))
		if len(endpoints) == 0 {
			Skip("ETCD_ENDPOINTS is not set")
		}
		client, err := manager.ConnectEtcd(endpoints, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(client.Close)

		locker, err = manager.NewEtcdLocker(client, 10)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(locker.Close)

		ctx = context.Background()
		key = "test-" + time.Now().Format("150405.000000000")
	})

	It("refuses a second TryLock on the same key from one process", func() {
		unlock, err := locker.TryLock(ctx, key)
		Expect(err).NotTo(HaveOccurred())

		_, err = locker.TryLock(ctx, key)
		Expect(err).To(MatchError(manager.ErrBusy))

		unlock()
		again, err := locker.TryLock(ctx, key)
		Expect(err).NotTo(HaveOccurred())
		again()
	})
})

var _ = Describe("NewLocker", func() {
	It("uses an in-process lock without etcd", func() {
		Expect(manager.NewLocker(nil, 60)).To(BeAssignableToTypeOf(&manager.LocalLocker{}))
	})
})

var _ = Describe("NewStateManager", func() {
	It("uses the state file without etcd", func() {
		sm, err := manager.NewStateManager(nil, GinkgoT().TempDir()+"/state.json")
		Expect(err).NotTo(HaveOccurred())
		Expect(sm).NotTo(BeNil())
		Expect(sm.Close()).To(Succeed())
	})
})
