package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/realmctl/internal/logging"
	"github.com/danmuck/realmctl/internal/realm"
	"github.com/danmuck/realmctl/internal/registry"
	"github.com/danmuck/realmctl/internal/seed"
	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// realmpart: usable as a key namespace or as the prefix of a realm path.
	_ = validate.RegisterValidation("realmpart", func(fl validator.FieldLevel) bool {
		return registry.NewKey(fl.Field().String(), "x").Validate() == nil
	})
}

// Validate runs the struct tags first, then the cross-field checks the tags
// cannot express. Every problem found is reported, not only the first.
func (c Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, describe(fe))
		}
	}

	seen := make(map[string]bool, len(c.Categories))
	for _, cat := range c.Categories {
		if cat.Name != "" && seen[cat.Name] {
			problems = append(problems, fmt.Sprintf("categories: duplicate name %q", cat.Name))
		}
		seen[cat.Name] = true
		for name := range cat.Attributes {
			if !realm.ValidAttributeName(name) {
				problems = append(problems, fmt.Sprintf("categories.attributes: invalid name %q in %q", name, cat.Name))
			}
		}
	}
	for _, raw := range c.Registry.BootEntries {
		if _, err := registry.ParseKey(raw); err != nil {
			problems = append(problems, fmt.Sprintf("registry.boot_entries: %v", err))
		}
	}
	if c.Lifecycle.FallbackRealm != "" {
		if _, err := registry.ParseKey(c.Lifecycle.FallbackRealm); err != nil {
			problems = append(problems, fmt.Sprintf("lifecycle.fallback_realm: %v", err))
		}
	}
	if _, err := seed.ParseWeekday(c.Seed.WeekBoundary); err != nil {
		problems = append(problems, fmt.Sprintf("seed.week_boundary: %v", err))
	}
	if tz := strings.TrimSpace(c.Seed.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			problems = append(problems, fmt.Sprintf("seed.timezone: %v", err))
		}
	}
	if c.Log.Level != "" {
		if _, ok := logging.ParseLevel(c.Log.Level); !ok {
			problems = append(problems, fmt.Sprintf("log.level: unknown level %q", c.Log.Level))
		}
	}

	if c.Lifecycle.EvacuationTimeout.Duration <= 0 {
		problems = append(problems, "lifecycle.evacuation_timeout: must be positive")
	}
	for name, d := range map[string]Duration{
		"lifecycle.validation_interval": c.Lifecycle.ValidationInterval,
		"lifecycle.shutdown_warning":    c.Lifecycle.ShutdownWarning,
		"lifecycle.shutdown_grace":      c.Lifecycle.ShutdownGrace,
		"replication.handshake_timeout": c.Replication.HandshakeTimeout,
		"replication.write_timeout":     c.Replication.WriteTimeout,
		"replication.read_idle_timeout": c.Replication.ReadIdleTimeout,
	} {
		if d.Duration < 0 {
			problems = append(problems, name+": must not be negative")
		}
	}
	if c.Replication.ListenAddr == "" && c.Replication.WebsocketPath == "" {
		problems = append(problems, "replication: listen_addr or websocket_path required")
	}
	if err := c.SessionConfig().ValidateServerTransport(); err != nil {
		problems = append(problems, fmt.Sprintf("replication.tls: %v", err))
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + ": required"
	case "realmpart":
		return fmt.Sprintf("%s: %q must be lower-case [a-z0-9_.-]", field, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s: %v not one of [%s]", field, fe.Value(), fe.Param())
	default:
		return fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param())
	}
}
