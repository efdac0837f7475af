package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Binding is one concrete (ip, port) pair the Connection Supervisor will
// listen on.
type Binding struct {
	Host string // the configured host token this binding came from
	IP   string
	Port int
}

func (b Binding) String() string {
	return net.JoinHostPort(b.IP, strconv.Itoa(b.Port))
}

// ResolveBindings expands comma-separated host and port lists into the
// concrete set of addresses to listen on (spec.md §4.10).
//
// Hosts and ports align positionally; if there are more hosts than port
// tokens the last port token is reused for the remaining hosts. A port
// token may itself be a colon-separated list ("2525:3535"), expanding into
// multiple bindings per resolved address.
func ResolveBindings(ctx context.Context, hosts, ports string) ([]Binding, error) {
	hostTokens, err := splitNonEmpty(hosts, "hosts")
	if err != nil {
		return nil, err
	}
	portTokens, err := splitNonEmpty(ports, "ports")
	if err != nil {
		return nil, err
	}

	var out []Binding
	for i, host := range hostTokens {
		portToken := portTokens[min(i, len(portTokens)-1)]
		var portList []string
		for _, ps := range strings.Split(portToken, ":") {
			ps = strings.TrimSpace(ps)
			if ps == "" {
				return nil, fmt.Errorf("smtpd: empty port in port token %q", portToken)
			}
			portList = append(portList, ps)
		}

		addrs, err := expandHost(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("smtpd: resolving host %q: %w", host, err)
		}

		for _, addr := range addrs {
			for _, ps := range portList {
				port, err := strconv.Atoi(ps)
				if err != nil || port <= 0 || port > 65535 {
					return nil, fmt.Errorf("smtpd: invalid port %q for host %q", ps, host)
				}
				out = append(out, Binding{Host: host, IP: addr, Port: port})
			}
		}
	}
	return out, nil
}

func splitNonEmpty(s, label string) ([]string, error) {
	var out []string
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return nil, fmt.Errorf("smtpd: empty token in %s list %q", label, s)
		}
		out = append(out, tok)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("smtpd: empty %s list", label)
	}
	return out, nil
}

// expandHost resolves a single host token to one or more literal
// addresses: "*" expands to every local non-multicast, non-link-local
// interface address; a literal IP is used as-is; anything else is resolved
// via DNS.
func expandHost(ctx context.Context, host string) ([]string, error) {
	if host == "*" {
		return localInterfaceAddrs()
	}
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses found for %q", host)
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.IP.String()
	}
	return out, nil
}

// localInterfaceAddrs returns every local address that isn't multicast or
// link-local, covering loopback/private/global IPv4 and IPv6 alike.
func localInterfaceAddrs() ([]string, error) {
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	var out []string
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.IsMulticast() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable local interface addresses found")
	}
	return out, nil
}
