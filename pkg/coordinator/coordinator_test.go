package coordinator

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/langgraphsystem/rssnews/pkg/model"
)

func TestCoordinator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Coordinator Suite")
}

var _ = Describe("emergencyConfig", func() {
	It("caps the batch at the emergency size and marks it critical", func() {
		cfg := emergencyConfig()
		Expect(cfg.TargetSize).To(Equal(emergencyBatchSize))
		Expect(cfg.MaxSize).To(Equal(emergencyBatchSize))
		Expect(cfg.MinSize).To(Equal(1))
		Expect(cfg.Priority).To(Equal(model.PriorityCritical))
	})
})
