package pulse

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestPulse(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "pulse suite")
}
