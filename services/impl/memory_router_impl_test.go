package impl

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tas-graphrag/models"
)

func TestContentFingerprint_Deterministic(t *testing.T) {
	tenant := models.TenantContext{CompanyID: "acme", AppID: "crm"}

	a := ContentFingerprint(tenant, "hello world")
	b := ContentFingerprint(tenant, "hello world")

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestContentFingerprint_TenantScoped(t *testing.T) {
	content := "hello world"

	a := ContentFingerprint(models.TenantContext{CompanyID: "acme", AppID: "crm"}, content)
	b := ContentFingerprint(models.TenantContext{CompanyID: "globex", AppID: "crm"}, content)
	c := ContentFingerprint(models.TenantContext{CompanyID: "acme", AppID: "erp"}, content)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestContentFingerprint_FieldBoundaries(t *testing.T) {
	// (company="ab", app="c") must not collide with (company="a", app="bc").
	a := ContentFingerprint(models.TenantContext{CompanyID: "ab", AppID: "c"}, "x")
	b := ContentFingerprint(models.TenantContext{CompanyID: "a", AppID: "bc"}, "x")

	assert.NotEqual(t, a, b)
}
