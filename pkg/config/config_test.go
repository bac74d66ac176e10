package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mchahed99/heimdall-sub000/pkg/drift"
	"github.com/mchahed99/heimdall-sub000/pkg/ward"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimal = `
version: "1"
realm: test
wards:
  - id: block-sudo
    tool: Bash
    when:
      argument_contains_pattern: "sudo"
    action: HALT
    message: sudo is blocked
    severity: high
`

func TestLoadMinimalConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "bifrost.yaml", minimal)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "1", cfg.Version)
	assert.Equal(t, "test", cfg.Realm)
	require.Len(t, cfg.Wards, 1)
	assert.Equal(t, "block-sudo", cfg.Wards[0].ID)
	assert.Equal(t, ward.DecisionHalt, cfg.Wards[0].Action)

	// Unset fields take their documented defaults.
	assert.Equal(t, ward.DecisionPass, cfg.Defaults.Action)
	assert.Equal(t, ward.SeverityLow, cfg.Defaults.Severity)
	assert.Equal(t, drift.ActionWarn, cfg.Drift.Action)
}

func TestInterpolate(t *testing.T) {
	t.Setenv("BIFROST_TEST_REALM", "asgard")

	out, err := Interpolate("realm: ${BIFROST_TEST_REALM}")
	require.NoError(t, err)
	assert.Equal(t, "realm: asgard", out)

	out, err = Interpolate("path: ${BIFROST_TEST_MISSING:-/tmp/db}")
	require.NoError(t, err)
	assert.Equal(t, "path: /tmp/db", out)

	// Set variable wins over the default.
	t.Setenv("BIFROST_TEST_SET", "real")
	out, err = Interpolate("v: ${BIFROST_TEST_SET:-fallback}")
	require.NoError(t, err)
	assert.Equal(t, "v: real", out)

	_, err = Interpolate("v: ${BIFROST_TEST_MISSING}")
	assert.ErrorContains(t, err, "BIFROST_TEST_MISSING")
}

func TestLoadInterpolatesEnvironment(t *testing.T) {
	t.Setenv("BIFROST_TEST_HOOK", "https://hooks.example.com/bifrost")
	body := `
version: "1"
realm: ${BIFROST_TEST_REALM:-midgard}
sinks:
  - type: webhook
    url: ${BIFROST_TEST_HOOK}
`
	path := writeConfig(t, t.TempDir(), "bifrost.yaml", body)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "midgard", cfg.Realm)
	require.Len(t, cfg.Sinks, 1)
	assert.Equal(t, "https://hooks.example.com/bifrost", cfg.Sinks[0].URL)
}

func TestExtendsPrependsWards(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
version: "1"
realm: base
wards:
  - id: base-first
    tool: "*"
    action: PASS
    message: base ward
  - id: base-second
    tool: Read
    action: PASS
    message: base ward
`)
	path := writeConfig(t, dir, "local.yaml", `
version: "1"
realm: local
extends: ["base.yaml"]
wards:
  - id: local-ward
    tool: Bash
    action: HALT
    message: local ward
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Len(t, cfg.Wards, 3)
	assert.Equal(t, "base-first", cfg.Wards[0].ID)
	assert.Equal(t, "base-second", cfg.Wards[1].ID)
	assert.Equal(t, "local-ward", cfg.Wards[2].ID)
	assert.Equal(t, "local", cfg.Realm)
}

func TestExtendsCycleRejected(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", `
version: "1"
realm: a
extends: ["b.yaml"]
`)
	path := writeConfig(t, dir, "b.yaml", `
version: "1"
realm: b
extends: ["a.yaml"]
`)

	_, err := Load(path, nil)
	assert.ErrorContains(t, err, "extends cycle")
}

func TestSchemaRejectsMissingRequired(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "bifrost.yaml", `
realm: test
`)
	_, err := Load(path, nil)
	assert.ErrorContains(t, err, "schema validation")
}

func TestSchemaRejectsUnknownWardField(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "bifrost.yaml", `
version: "1"
realm: test
wards:
  - id: w
    tool: Bash
    action: HALT
    message: m
    priority: 9
`)
	_, err := Load(path, nil)
	assert.ErrorContains(t, err, "schema validation")
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"bad action": {`
version: "1"
realm: test
wards:
  - id: w
    tool: Bash
    action: BLOCK
    message: m
`, "schema validation"},
		"duplicate ward id": {`
version: "1"
realm: test
wards:
  - id: w
    tool: Bash
    action: HALT
    message: m
  - id: w
    tool: Read
    action: PASS
    message: m
`, `duplicate ward id "w"`},
		"invalid regex": {`
version: "1"
realm: test
wards:
  - id: w
    tool: Bash
    when:
      argument_contains_pattern: "["
    action: HALT
    message: m
`, "invalid regex"},
		"webhook without url": {`
version: "1"
realm: test
sinks:
  - type: webhook
`, "requires url"},
		"otlp without endpoint": {`
version: "1"
realm: test
sinks:
  - type: otlp
`, "requires endpoint"},
		"unknown sink type": {`
version: "1"
realm: test
sinks:
  - type: kafka
`, "schema validation"},
		"bad drift action": {`
version: "1"
realm: test
drift:
  action: PANIC
`, "schema validation"},
		"redis without addr": {`
version: "1"
realm: test
rate_limit:
  backend: redis
`, "rate_limit.addr is required"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), "bifrost.yaml", tc.body)
			_, err := Load(path, nil)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestLoadFullConfig(t *testing.T) {
	body := `
version: "1"
realm: production
defaults:
  action: PASS
  severity: low
wards:
  - id: redact-tokens
    tool: "send_*"
    when:
      argument_matches:
        token: ".+"
    action: RESHAPE
    message: token redacted
    severity: medium
    reshape:
      token: "__DELETE__"
sinks:
  - type: stdout
  - type: webhook
    url: https://hooks.example.com/x
    events: [HALT]
    timeout_ms: 2000
  - type: otlp
    endpoint: localhost:4318
    insecure: true
storage:
  adapter: sqlite
  path: /var/lib/bifrost/runes.db
rate_limit:
  backend: memory
drift:
  action: HALT
  message: catalogue changed
ai_analysis:
  enabled: true
  threshold: 70
  budget_tokens: 2048
`
	path := writeConfig(t, t.TempDir(), "bifrost.yaml", body)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Len(t, cfg.Sinks, 3)
	assert.Equal(t, []ward.Decision{ward.DecisionHalt}, cfg.Sinks[1].Events)
	assert.Equal(t, 2000, cfg.Sinks[1].TimeoutMs)
	assert.Equal(t, "sqlite", cfg.Storage.Adapter)
	assert.Equal(t, drift.ActionHalt, cfg.Drift.Action)
	assert.True(t, cfg.AIAnalysis.Enabled)
	assert.Equal(t, 70, cfg.AIAnalysis.Threshold)
	assert.Equal(t, ward.DeleteSentinel, cfg.Wards[0].Reshape["token"])
}
