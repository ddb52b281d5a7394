// Package authority identifies remote SSH-reachable hosts. An Authority is
// the immutable {user, host, port} triple the rest of the system keys
// sessions, bootstraps and forwards on.
package authority

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
)

const defaultPort = 22

// Authority is the identity of a remote host. At most one live session exists
// per authority.
type Authority struct {
	User string
	Host string
	Port int
}

// String renders the canonical user@host:port form.
func (a Authority) String() string {
	return fmt.Sprintf("%s@%s:%d", a.User, a.Host, a.Port)
}

// Addr returns the dialable host:port.
func (a Authority) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Parse accepts "host", "user@host" and "user@host:port".
// The user defaults to $USER; the port to 22.
func Parse(s string) (Authority, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Authority{}, fmt.Errorf("authority is required (user@host or user@host:port)")
	}
	a := Authority{Port: defaultPort, User: os.Getenv("USER")}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		a.User = s[:i]
		s = s[i+1:]
	}
	if host, port, err := net.SplitHostPort(s); err == nil {
		p, perr := strconv.Atoi(port)
		if perr != nil || p <= 0 || p > 65535 {
			return Authority{}, fmt.Errorf("invalid port in authority: %q", port)
		}
		a.Host = host
		a.Port = p
	} else {
		a.Host = s
	}
	if a.Host == "" {
		return Authority{}, fmt.Errorf("authority %q has no host", s)
	}
	return a, nil
}

// Resolved carries the authority after ~/.ssh/config expansion plus any
// identity file the config names for it.
type Resolved struct {
	Authority
	IdentityFile string
}

// Resolve expands the host through the user's ssh_config: HostName, User,
// Port and IdentityFile for matching Host stanzas are honored unless the
// caller already set them explicitly.
func Resolve(a Authority) Resolved {
	r := Resolved{Authority: a}
	if hn := ssh_config.Get(a.Host, "HostName"); hn != "" && hn != a.Host {
		r.Host = hn
	}
	if a.User == "" {
		if u := ssh_config.Get(a.Host, "User"); u != "" {
			r.User = u
		}
	}
	if a.Port == defaultPort {
		if p := ssh_config.Get(a.Host, "Port"); p != "" {
			if n, err := strconv.Atoi(p); err == nil && n > 0 && n <= 65535 {
				r.Port = n
			}
		}
	}
	if id := ssh_config.Get(a.Host, "IdentityFile"); id != "" {
		r.IdentityFile = expandHome(id)
	}
	return r
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + p[1:]
		}
	}
	return p
}
