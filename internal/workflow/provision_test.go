package workflow_test

import (
	"context"
	"fmt"

	"snapdrop/internal/cloud"
	"snapdrop/internal/workflow"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func testSettings() workflow.Settings {
	return workflow.Settings{
		InstanceName:  "srv",
		Region:        "fra1",
		Size:          "s-2vcpu-4gb",
		SnapshotName:  "base",
		SSHKeys:       []string{"aa:bb", "cc:dd"},
		PollInterval:  0,
		IPRetryBudget: 5,
	}
}

var _ = Describe("Provision", func() {
	var (
		client *fakeClient
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = &fakeClient{
			snapshotSeq:  [][]cloud.Snapshot{{{ID: "1001", Name: "base"}}},
			createResult: &cloud.Instance{ID: 42, Name: "srv", Status: "new"},
		}
	})

	provision := func() workflow.Outcome {
		return workflow.New(client, testSettings()).Provision(ctx)
	}

	Context("when the server is already running", func() {
		It("fails without issuing any further call", func() {
			client.instances = []cloud.Instance{{ID: 1, Name: "srv", Status: "active"}}

			outcome := provision()

			Expect(outcome.OK).To(BeFalse())
			Expect(outcome.Message).To(ContainSubstring("already running"))
			Expect(client.calls).To(Equal([]string{"ListInstances"}))
		})

		It("matches names exactly", func() {
			client.instances = []cloud.Instance{{ID: 1, Name: "SRV"}, {ID: 2, Name: "srv-old"}}
			client.getSeq = []getResult{withPublicIP(42, "1.2.3.4")}

			Expect(provision().OK).To(BeTrue())
			Expect(client.callCount("CreateInstance")).To(Equal(1))
		})
	})

	Context("fresh provision", func() {
		It("creates from the snapshot and waits for the public IP", func() {
			client.getSeq = []getResult{
				withoutNetwork(42), withoutNetwork(42), withoutNetwork(42), withoutNetwork(42),
				withPublicIP(42, "1.2.3.4"),
			}

			outcome := provision()

			Expect(outcome.OK).To(BeTrue())
			Expect(outcome.Message).To(ContainSubstring("1.2.3.4"))
			Expect(client.getCalls).To(Equal(5))

			Expect(client.created).NotTo(BeNil())
			Expect(client.created.ImageID).To(Equal(1001))
			Expect(client.created.Name).To(Equal("srv"))
			Expect(client.created.Region).To(Equal("fra1"))
			Expect(client.created.Size).To(Equal("s-2vcpu-4gb"))
			Expect(client.created.SSHKeys).To(Equal([]string{"aa:bb", "cc:dd"}))
		})

		It("uses the first snapshot with the configured name", func() {
			client.snapshotSeq = [][]cloud.Snapshot{{
				{ID: "900", Name: "Base"},
				{ID: "1001", Name: "base"},
				{ID: "1002", Name: "base"},
			}}
			client.getSeq = []getResult{withPublicIP(42, "1.2.3.4")}

			Expect(provision().OK).To(BeTrue())
			Expect(client.created.ImageID).To(Equal(1001))
		})
	})

	Context("retry budget", func() {
		It("fails on the sixth consecutive fetch failure", func() {
			client.getSeq = []getResult{
				{err: transportErr()}, {err: transportErr()}, {err: transportErr()},
				{err: transportErr()}, {err: transportErr()}, {err: transportErr()},
				withPublicIP(42, "1.2.3.4"),
			}

			outcome := provision()

			Expect(outcome.OK).To(BeFalse())
			Expect(outcome.Message).To(Equal("Failed to get server IP!"))
			Expect(client.getCalls).To(Equal(6))
		})

		It("succeeds after five failures followed by a public address", func() {
			client.getSeq = []getResult{
				{err: transportErr()}, {err: transportErr()}, {err: transportErr()},
				{err: transportErr()}, {err: transportErr()},
				withPublicIP(42, "5.6.7.8"),
			}

			outcome := provision()

			Expect(outcome.OK).To(BeTrue())
			Expect(outcome.Message).To(ContainSubstring("5.6.7.8"))
		})

		It("does not charge networkless responses against the budget", func() {
			seq := []getResult{{err: transportErr()}, {err: transportErr()}, {err: transportErr()}}
			for i := 0; i < 12; i++ {
				seq = append(seq, withoutNetwork(42))
			}
			seq = append(seq, withPublicIP(42, "1.2.3.4"))
			client.getSeq = seq

			Expect(provision().OK).To(BeTrue())
			Expect(client.getCalls).To(Equal(16))
		})

		It("gives up immediately on a rejected fetch", func() {
			client.getSeq = []getResult{
				{err: &cloud.Error{Op: "get droplet", Kind: cloud.KindRejected, Status: 401, Err: fmt.Errorf("unauthorized")}},
			}

			outcome := provision()

			Expect(outcome.OK).To(BeFalse())
			Expect(outcome.Message).To(Equal("Failed to get server IP!"))
			Expect(client.getCalls).To(Equal(1))
		})
	})

	Context("when preconditions fail", func() {
		It("fails when the droplet list cannot be fetched", func() {
			client.listInstancesErr = transportErr()

			Expect(provision().OK).To(BeFalse())
			Expect(client.callCount("CreateInstance")).To(BeZero())
		})

		It("fails when there are no snapshots", func() {
			client.snapshotSeq = [][]cloud.Snapshot{{}}

			outcome := provision()

			Expect(outcome.OK).To(BeFalse())
			Expect(outcome.Message).To(Equal("No snapshots found!"))
			Expect(client.callCount("CreateInstance")).To(BeZero())
		})

		It("fails when no snapshot has the configured name", func() {
			client.snapshotSeq = [][]cloud.Snapshot{{{ID: "1", Name: "other"}}}

			outcome := provision()

			Expect(outcome.OK).To(BeFalse())
			Expect(outcome.Message).To(ContainSubstring(`"base"`))
			Expect(client.callCount("CreateInstance")).To(BeZero())
		})

		It("fails when the snapshot list cannot be fetched", func() {
			client.listSnapshotsErr = transportErr()

			Expect(provision().OK).To(BeFalse())
			Expect(client.callCount("CreateInstance")).To(BeZero())
		})

		It("refuses a snapshot id that is not an image id", func() {
			client.snapshotSeq = [][]cloud.Snapshot{{{ID: "abc", Name: "base"}}}

			Expect(provision().OK).To(BeFalse())
			Expect(client.callCount("CreateInstance")).To(BeZero())
		})

		It("fails when the create call is rejected", func() {
			client.createErr = &cloud.Error{Op: "create droplet", Kind: cloud.KindRejected, Status: 422}

			outcome := provision()

			Expect(outcome.OK).To(BeFalse())
			Expect(outcome.Message).To(Equal("Failed to create server!"))
			Expect(client.getCalls).To(BeZero())
		})
	})

	It("reports stages in order", func() {
		client.getSeq = []getResult{withPublicIP(42, "1.2.3.4")}
		var stages []workflow.Stage

		orchestrator := workflow.New(client, testSettings(), workflow.WithObserver(func(s workflow.Stage) {
			stages = append(stages, s)
		}))
		Expect(orchestrator.Provision(ctx).OK).To(BeTrue())

		Expect(stages).To(Equal([]workflow.Stage{
			workflow.StageChecking,
			workflow.StageCreatingInstance,
			workflow.StageAwaitingNetwork,
			workflow.StageReady,
		}))
	})

	It("stops waiting for the IP when cancelled", func() {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		client.getSeq = []getResult{withoutNetwork(42)}

		outcome := workflow.New(client, testSettings()).Provision(cctx)

		Expect(outcome.OK).To(BeFalse())
		Expect(outcome.Message).To(ContainSubstring("cancelled"))
	})
})

var _ = Describe("Status", func() {
	It("reports a missing server", func() {
		client := &fakeClient{}
		outcome := workflow.New(client, testSettings()).Status(context.Background())
		Expect(outcome.OK).To(BeTrue())
		Expect(outcome.Message).To(ContainSubstring("not running"))
	})

	It("reports the public address of a running server", func() {
		client := &fakeClient{instances: []cloud.Instance{*withPublicIP(42, "1.2.3.4").instance}}
		outcome := workflow.New(client, testSettings()).Status(context.Background())
		Expect(outcome.Message).To(Equal("Server is active. IP: 1.2.3.4"))
	})

	It("fails when droplets cannot be listed", func() {
		client := &fakeClient{listInstancesErr: transportErr()}
		Expect(workflow.New(client, testSettings()).Status(context.Background()).OK).To(BeFalse())
	})
})
