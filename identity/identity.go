// Package identity derives a stable internal user identity from inbound
// request context. Calling clients never perform an interactive login, so
// the resolver is a pure function of the request: the same forwarded
// session signal always maps to the same user, across the connect flow and
// every later tool call.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ErrUnresolved indicates no usable identity signal was present. Callers
// must surface this rather than mint a fresh user: a new user per request
// would orphan every previously connected platform.
var ErrUnresolved = errors.New("no usable identity signal in request")

// Default headers consulted for a forwarded session signal, in order.
const (
	HeaderAssistantSession = "X-Assistant-Session-Id"
	HeaderConversation     = "X-Conversation-Id"
)

// namespace is the fixed UUID namespace for derived identities. Changing it
// would re-key every derived user, so it is a constant, not configuration.
var namespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

const maxSignalLength = 512

// Resolver maps request context to a user id.
type Resolver struct {
	headers []string
}

// NewResolver creates a resolver consulting the default signal headers.
func NewResolver() *Resolver {
	return &Resolver{headers: []string{HeaderAssistantSession, HeaderConversation}}
}

// NewResolverWithHeaders creates a resolver consulting custom headers, for
// calling environments that forward their session under a different name.
func NewResolverWithHeaders(headers ...string) *Resolver {
	if len(headers) == 0 {
		return NewResolver()
	}
	return &Resolver{headers: headers}
}

// Resolve returns the user id for a request. Order of precedence: an
// explicit identifier (the subject of an already-verified broker token, or
// an explicit user parameter), then the forwarded session headers. With no
// signal at all it returns ErrUnresolved.
func (r *Resolver) Resolve(req *http.Request, explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if len(explicit) > maxSignalLength {
			return "", fmt.Errorf("explicit user id too long")
		}
		return explicit, nil
	}

	for _, header := range r.headers {
		if signal := strings.TrimSpace(req.Header.Get(header)); signal != "" {
			if len(signal) > maxSignalLength {
				continue
			}
			return DeriveUserID(signal), nil
		}
	}
	return "", ErrUnresolved
}

// DeriveUserID deterministically maps a session signal to a user id via a
// namespaced SHA-1 UUID. The raw signal never appears in the identifier.
func DeriveUserID(signal string) string {
	return "asst-" + uuid.NewSHA1(namespace, []byte(signal)).String()
}
