package transfer

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrPermission means the principal lacks the capability for an operation.
	ErrPermission = errors.New("permission denied")
	// ErrUnknownUser is returned for credentials that match no configured user.
	ErrUnknownUser = errors.New("unknown user")
)

// Capability is a bitmask of granted operations.
type Capability uint8

const (
	CapRead Capability = 1 << iota
	CapWrite
	CapDelete
)

// Has reports whether every bit of want is granted.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

func (c Capability) String() string {
	var parts []string
	if c.Has(CapRead) {
		parts = append(parts, "read")
	}
	if c.Has(CapWrite) {
		parts = append(parts, "write")
	}
	if c.Has(CapDelete) {
		parts = append(parts, "delete")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// ParseCapabilities reads a "read+write" style list. Empty means read+write.
func ParseCapabilities(raw string) (Capability, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return CapRead | CapWrite, nil
	}
	var c Capability
	for _, part := range strings.Split(raw, "+") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "read":
			c |= CapRead
		case "write":
			c |= CapWrite
		case "delete":
			c |= CapDelete
		default:
			return 0, fmt.Errorf("unknown capability %q", part)
		}
	}
	return c, nil
}

// Principal is the identity a connection is bound to for its lifetime.
type Principal struct {
	Username     string
	Capabilities Capability
}

// Can checks a single capability and returns ErrPermission when it is missing.
func (p Principal) Can(want Capability) error {
	if !p.Capabilities.Has(want) {
		return fmt.Errorf("%w: %s needs %s", ErrPermission, p.Username, want)
	}
	return nil
}

type user struct {
	name   string
	secret []byte
	caps   Capability
	keys   [][]byte
}

// Registry holds the configured users and their credentials.
type Registry struct {
	users map[string]*user
}

// ParseUsers builds a Registry from "name:secret:caps" entries separated by
// '|'. An empty secret disables password login for that user.
func ParseUsers(raw string) (*Registry, error) {
	r := &Registry{users: map[string]*user{}}
	for _, entry := range strings.Split(raw, "|") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.SplitN(entry, ":", 3)
		name := strings.TrimSpace(fields[0])
		if name == "" || strings.ContainsAny(name, `/\`) {
			return nil, fmt.Errorf("invalid username in %q", entry)
		}
		if _, dup := r.users[name]; dup {
			return nil, fmt.Errorf("duplicate user %q", name)
		}
		u := &user{name: name}
		if len(fields) > 1 && fields[1] != "" {
			u.secret = []byte(fields[1])
		}
		var caps string
		if len(fields) > 2 {
			caps = fields[2]
		}
		c, err := ParseCapabilities(caps)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", name, err)
		}
		u.caps = c
		r.users[name] = u
	}
	return r, nil
}

// LoadKeys reads <dir>/<user>.pub for every user, in authorized_keys format.
// A missing file leaves that user without public key access.
func (r *Registry) LoadKeys(dir string) error {
	if dir == "" {
		return nil
	}
	for name, u := range r.users {
		data, err := os.ReadFile(filepath.Join(dir, name+".pub"))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read keys for %s: %w", name, err)
		}
		for len(bytes.TrimSpace(data)) > 0 {
			key, _, _, rest, err := ssh.ParseAuthorizedKey(data)
			if err != nil {
				return fmt.Errorf("parse keys for %s: %w", name, err)
			}
			u.keys = append(u.keys, key.Marshal())
			data = rest
		}
	}
	return nil
}

// AddKey authorizes key for an existing user.
func (r *Registry) AddKey(name string, key ssh.PublicKey) error {
	u, ok := r.users[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, name)
	}
	u.keys = append(u.keys, key.Marshal())
	return nil
}

func (r *Registry) Usernames() []string {
	names := make([]string, 0, len(r.users))
	for name := range r.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Password authenticates a username and shared secret.
func (r *Registry) Password(name string, secret []byte) (Principal, error) {
	u, ok := r.users[name]
	if !ok || len(u.secret) == 0 {
		return Principal{}, ErrUnknownUser
	}
	if subtle.ConstantTimeCompare(u.secret, secret) != 1 {
		return Principal{}, ErrUnknownUser
	}
	return Principal{Username: u.name, Capabilities: u.caps}, nil
}

// PublicKey authenticates a username against its authorized keys.
func (r *Registry) PublicKey(name string, key ssh.PublicKey) (Principal, error) {
	u, ok := r.users[name]
	if !ok {
		return Principal{}, ErrUnknownUser
	}
	wire := key.Marshal()
	for _, k := range u.keys {
		if subtle.ConstantTimeCompare(k, wire) == 1 {
			return Principal{Username: u.name, Capabilities: u.caps}, nil
		}
	}
	return Principal{}, ErrUnknownUser
}

// Lookup returns the principal for a user that already authenticated.
func (r *Registry) Lookup(name string) (Principal, error) {
	u, ok := r.users[name]
	if !ok {
		return Principal{}, ErrUnknownUser
	}
	return Principal{Username: u.name, Capabilities: u.caps}, nil
}
