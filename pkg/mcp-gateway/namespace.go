package mcpgateway

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultSeparator joins a backend identity to an item's local key.
const DefaultSeparator = "/"

var (
	// ErrMalformedKey is returned when a composite key cannot be split into a
	// backend identity and a local key.
	ErrMalformedKey = errors.New("mcpgateway: malformed composite key")
	// ErrInvalidIdentity is returned when a backend identity cannot be encoded
	// without making the composite key ambiguous.
	ErrInvalidIdentity = errors.New("mcpgateway: invalid backend identity")
)

// NamespaceCodec turns (backend identity, local key) pairs into the composite
// keys exposed to front-end clients and back. The same scheme applies to tool
// and prompt names, resource URIs, and resource template URIs: the entire
// local value follows the separator, so "alpha/file:///tmp/x" names the
// resource "file:///tmp/x" on backend "alpha".
type NamespaceCodec struct {
	// Separator defaults to DefaultSeparator.
	Separator string
}

func (c NamespaceCodec) separator() string {
	if c.Separator == "" {
		return DefaultSeparator
	}
	return c.Separator
}

// CheckIdentity reports whether identity can be used as a key prefix.
func (c NamespaceCodec) CheckIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if strings.Contains(identity, c.separator()) {
		return fmt.Errorf("%w: %q contains separator %q", ErrInvalidIdentity, identity, c.separator())
	}
	return nil
}

// Encode builds the composite key for localKey on backend identity.
func (c NamespaceCodec) Encode(identity, localKey string) (string, error) {
	if err := c.CheckIdentity(identity); err != nil {
		return "", err
	}
	return identity + c.separator() + localKey, nil
}

// Decode splits key at the first separator. The local key may itself contain
// the separator. Decode does not check that the identity is registered.
func (c NamespaceCodec) Decode(key string) (identity, localKey string, err error) {
	identity, localKey, ok := strings.Cut(key, c.separator())
	if !ok || identity == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	return identity, localKey, nil
}
