package statemachine

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/langgraphsystem/rssnews/pkg/model"
)

func TestStateMachine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "State Machine Suite")
}

var _ = Describe("CanTransition", func() {
	It("allows a batch to move from ready to processing on start", func() {
		Expect(CanTransition(EntityBatch, string(model.BatchStatusReady), "start")).To(BeTrue())
	})

	It("allows a failed batch to retry back to ready", func() {
		Expect(CanTransition(EntityBatch, string(model.BatchStatusFailed), "retry")).To(BeTrue())
	})

	It("rejects an edge that isn't in the table", func() {
		Expect(CanTransition(EntityBatch, string(model.BatchStatusCompleted), "start")).To(BeFalse())
	})

	It("rejects cancel from a terminal batch state", func() {
		Expect(CanTransition(EntityBatch, string(model.BatchStatusCompleted), "cancel")).To(BeFalse())
	})

	It("allows an article to move from pending to processing on claim", func() {
		Expect(CanTransition(EntityArticle, string(model.RawArticleStatusPending), "claim")).To(BeTrue())
	})

	It("allows a rejected article to retry back to pending", func() {
		Expect(CanTransition(EntityArticle, string(model.RawArticleStatusRejected), "retry")).To(BeTrue())
	})

	It("rejects a trigger with no matching edge for an unknown entity type", func() {
		Expect(CanTransition(EntityType("unknown"), "anything", "anything")).To(BeFalse())
	})
})

var _ = Describe("lookup", func() {
	It("returns the destination state and ok=true for a valid edge", func() {
		to, ok := lookup(EntityBatch, string(model.BatchStatusCreated), "plan")
		Expect(ok).To(BeTrue())
		Expect(to).To(Equal(string(model.BatchStatusReady)))
	})

	It("returns ok=false for an invalid edge", func() {
		_, ok := lookup(EntityArticle, string(model.RawArticleStatusProcessed), "claim")
		Expect(ok).To(BeFalse())
	})
})
