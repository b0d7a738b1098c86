package rest_test

import (
	"github.com/getkin/kin-openapi/openapi3"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("OpenAPI Spec", func() {
	var doc *openapi3.T

	BeforeEach(func() {
		loader := openapi3.NewLoader()
		var err error
		doc, err = loader.LoadFromFile("../../../api/openapi.yml")
		Expect(err).NotTo(HaveOccurred())
		Expect(doc.Validate(loader.Context)).To(Succeed())
	})

	It("documents every escrow lifecycle operation", func() {
		for _, path := range []string{
			"/auth/login",
			"/auth/refresh",
			"/auth/logout",
			"/escrows",
			"/escrows/{id}",
			"/escrows/{id}/payment",
			"/escrows/{id}/verify",
			"/escrows/{id}/release",
			"/escrows/{id}/dispute",
			"/escrows/{id}/refund",
			"/escrows/{id}/admin-intervention",
			"/admin/escrows",
		} {
			Expect(doc.Paths.Find(path)).NotTo(BeNil(), "missing path %s", path)
		}
	})

	It("enumerates the escrow statuses on the schema", func() {
		escrow := doc.Components.Schemas["Escrow"]
		Expect(escrow).NotTo(BeNil())

		status := escrow.Value.Properties["status"]
		Expect(status).NotTo(BeNil())
		Expect(status.Value.Enum).To(ConsistOf(
			"pending", "funded", "disputed", "released", "refunded",
		))
	})
})
