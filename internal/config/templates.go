package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server", "":
		return serverTemplate, nil
	case "minimal":
		return minimalTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `[server]
admin_addr = ":9300"
cors_origins = ["http://localhost:3000"]
save_dir = "realms"
admin_token = ""

[registry]
namespace = "ns"
slot_spread = 64
restore_frozen = true
boot_entries = ["base:overworld", "base:nether", "base:end"]

[counters]
path = "counters.txt"

[seed]
# random | date_based | weekly | fixed
strategy = "date_based"
week_boundary = "monday"
timezone = "UTC"

[lifecycle]
# continue | abort
failure_policy = "continue"
evacuation_timeout = "5s"
fallback_realm = "base:overworld"
fallback_position = [0.5, 64.0, 0.5]
save_on_shutdown = false
validation_interval = "1m"
shutdown_warning = "0s"
shutdown_grace = "30s"

[replication]
listen_addr = ":9301"
websocket_path = "/ws"
chunk_size = 32768
outbox_size = 256
send_rate = 0.0
send_burst = 64
handshake_timeout = "5s"
write_timeout = "10s"
read_idle_timeout = "0s"
security_mode = "development"

[replication.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""

[log]
level = "info"
json = false
timestamp = true
no_color = false

[[categories]]
name = "alpha"
count = 2
generator = "noise"
biome_scale = 1.0
sea_level = 63

[[categories]]
name = "beta"
count = 1
generator = "flat"
sea_level = 4
attributes = { difficulty = "hard" }
`

const minimalTemplate = `[registry]
namespace = "ns"

[[categories]]
name = "alpha"
count = 1
`
