package convert

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wudi/spire/internal/config"
)

const sampleSpec = `
openapi: "3.0.0"
info:
  title: Sample API
  version: "1.0"
servers:
  - url: http://127.0.0.1:8081
paths:
  /users:
    get:
      operationId: listUsers
      responses:
        "200":
          description: ok
  /users/{id}:
    get:
      operationId: getUser
      parameters:
        - name: id
          in: path
          required: true
          schema:
            type: string
      responses:
        "200":
          description: ok
`

func writeSpec(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spec.yaml")
	if err := os.WriteFile(path, []byte(sampleSpec), 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	return path
}

func TestFromOpenAPIBuildsOneServicePerPort(t *testing.T) {
	cfg, err := FromOpenAPI(writeSpec(t))
	if err != nil {
		t.Fatalf("FromOpenAPI: %v", err)
	}
	if len(cfg.Servers) != 1 {
		t.Fatalf("expected 1 ApiService, got %d", len(cfg.Servers))
	}
	svc := cfg.Servers[0]
	if svc.ListenPort != 8081 {
		t.Fatalf("expected listen port 8081 from the spec's server URL, got %d", svc.ListenPort)
	}
	if len(svc.RouteConfigs) != 2 {
		t.Fatalf("expected 2 routes (one per operation), got %d", len(svc.RouteConfigs))
	}
}

func TestFromOpenAPIRewritesTemplatedPathToPrefix(t *testing.T) {
	cfg, err := FromOpenAPI(writeSpec(t))
	if err != nil {
		t.Fatalf("FromOpenAPI: %v", err)
	}

	var templated *config.RouteConfig
	for _, rc := range cfg.Servers[0].RouteConfigs {
		if rc.Matchers[0].MatchType == config.MatchPrefix {
			templated = rc
		}
	}
	if templated == nil {
		t.Fatal("expected one route rewritten to a prefix match for /users/{id}")
	}
	if templated.Matchers[0].Value != "/users/" {
		t.Fatalf("expected prefix value %q, got %q", "/users/", templated.Matchers[0].Value)
	}
}
