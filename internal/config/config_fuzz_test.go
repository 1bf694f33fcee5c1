package config

import (
	"os"
	"path/filepath"
	"testing"
)

// FuzzLoadFromYAML feeds arbitrary YAML through the loader looking for panics
// in parsing, normalization and validation.
func FuzzLoadFromYAML(f *testing.F) {
	f.Add([]byte(validConfig(10)))
	f.Add([]byte(``))
	f.Add([]byte(`
server:
  address: ":0"
  tls:
    enabled: true
    cert_file: /nonexistent
    key_file: /nonexistent
    min_version: "TLS13"
    http3_enabled: true
backend:
  url: "https://backend"
auth:
  token:
    secret: "0123456789abcdef0123456789abcdef"
    cache_enabled: true
  credentials:
    backend: Redis
    bcrypt_cost: 4
    users:
      - identifier: a@example.com
        subject_id: "42"
        secret_hash: "$2a$04$abc"
        status: BANNED
rate_limit:
  capacity: 5
  refill_rate_per_second: 0
  max_keys: 3
  failure_code: 429
  key_strategy:
    type: Anonymous
    trusted_proxies: ["10.0.0.0/8", "::1/128"]
redis:
  endpoints: ["redis:6379"]
  mode: sentinel
`))

	f.Fuzz(func(t *testing.T, data []byte) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		_, _ = LoadFromPath(path)
	})
}
