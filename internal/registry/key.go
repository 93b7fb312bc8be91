package registry

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidKey = errors.New("registry: invalid key")

// Key is a namespaced identifier such as "ns:alpha_0".
type Key struct {
	Namespace string
	Path      string
}

func NewKey(namespace, path string) Key {
	return Key{Namespace: namespace, Path: path}
}

// ParseKey splits "namespace:path" and validates both halves.
func ParseKey(raw string) (Key, error) {
	ns, path, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return Key{}, fmt.Errorf("%w: %q missing namespace separator", ErrInvalidKey, raw)
	}
	k := Key{Namespace: ns, Path: path}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

func (k Key) String() string {
	return k.Namespace + ":" + k.Path
}

func (k Key) IsZero() bool {
	return k.Namespace == "" && k.Path == ""
}

// Validate enforces lower-case namespaces and paths.
func (k Key) Validate() error {
	if !validPart(k.Namespace, false) {
		return fmt.Errorf("%w: namespace %q", ErrInvalidKey, k.Namespace)
	}
	if !validPart(k.Path, true) {
		return fmt.Errorf("%w: path %q", ErrInvalidKey, k.Path)
	}
	return nil
}

// Less orders keys by namespace, then path.
func (k Key) Less(other Key) bool {
	if k.Namespace != other.Namespace {
		return k.Namespace < other.Namespace
	}
	return k.Path < other.Path
}

func validPart(s string, allowSlash bool) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '_', c == '-', c == '.':
		case c == '/' && allowSlash:
		default:
			return false
		}
	}
	return true
}
