package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

const validCatalog = `
handler_groups:
  - id: support
    tenant_id: acme
    name: Support
    strategy: least_loaded
    members:
      - {id: sam, name: Sam, kind: human, active: true}
    fallback: {id: ops, kind: human}
forms:
  - id: help
    tenant_id: acme
    name: Help
    version: 1.0.0
    active: true
    flow: support_request
    trust_level: observe
    handler_group: support
    limits: {max_submissions_per_ip: 10, max_submissions_per_email: 10, window: 1h}
    fields:
      - {name: email, type: email, required: true}
      - {name: seats, type: number, rule: "value > 0"}
`

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_Help(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 0, Run([]string{"helm-intake", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "check-catalog")
}

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 2, Run([]string{"helm-intake", "bogus"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Unknown command: bogus")
}

func TestRun_CheckCatalog(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"helm-intake", "check-catalog", "--catalog", writeCatalog(t, validCatalog)}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "1 forms, 1 handler groups")
}

func TestRun_CheckCatalogRejectsBadRule(t *testing.T) {
	bad := bytes.Replace([]byte(validCatalog), []byte(`rule: "value > 0"`), []byte(`rule: "value >"`), 1)
	var out, errOut bytes.Buffer
	assert.Equal(t, 1, Run([]string{"helm-intake", "check-catalog", "--catalog", writeCatalog(t, string(bad))}, &out, &errOut))
	assert.NotEmpty(t, errOut.String())
}

func TestRun_ArchiveRequiresTenant(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 2, Run([]string{"helm-intake", "archive"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "--tenant is required")
}
