package runbuilder_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/syt100/bastion/internal/runbuilder"
)

var _ = Describe("ManifestEncryption", func() {
	It("serializes as the bare string \"none\" when encryption is absent", func() {
		data, err := json.Marshal(runbuilder.ManifestEncryption{})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal(`"none"`))
	})

	It("serializes as an object when age_x25519 encryption is set", func() {
		data, err := json.Marshal(runbuilder.ManifestEncryption{Type: "age_x25519", KeyName: "k1"})
		Expect(err).NotTo(HaveOccurred())

		var obj map[string]string
		Expect(json.Unmarshal(data, &obj)).To(Succeed())
		Expect(obj["type"]).To(Equal("age_x25519"))
		Expect(obj["key_name"]).To(Equal("k1"))
	})

	It("round-trips through Unmarshal for both forms", func() {
		var none runbuilder.ManifestEncryption
		Expect(json.Unmarshal([]byte(`"none"`), &none)).To(Succeed())
		Expect(none.Type).To(Equal("none"))

		var age runbuilder.ManifestEncryption
		Expect(json.Unmarshal([]byte(`{"type":"age_x25519","key_name":"k1"}`), &age)).To(Succeed())
		Expect(age.Type).To(Equal("age_x25519"))
		Expect(age.KeyName).To(Equal("k1"))
	})
})
