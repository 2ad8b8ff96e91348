// Package tls provides locally trusted certificates for the agent's API so
// wallet frontends can use wss:// without certificate warnings.
package tls

import (
	"net"
)

// GetLANIPs returns the IPv4 addresses of every interface that is up,
// excluding loopback. These become certificate SANs so frontends on other
// machines can reach the agent over TLS.
func GetLANIPs() ([]string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipnet.IP.To4(); ip != nil && !ip.IsLoopback() {
				ips = append(ips, ip.String())
			}
		}
	}
	return ips, nil
}

// GetAllHosts returns the full host list for certificate generation:
// localhost plus every LAN address. An interface enumeration failure still
// yields the localhost entries so a local-only setup keeps working.
func GetAllHosts() ([]string, error) {
	hosts := []string{"localhost", "127.0.0.1"}

	lanIPs, err := GetLANIPs()
	if err != nil {
		return hosts, err
	}
	return append(hosts, lanIPs...), nil
}
