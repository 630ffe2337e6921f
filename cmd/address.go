// Package main provides CLI commands for the coderelay host.
// This file centralizes network address detection for commands that
// display connection information to mobile users.
package main

import (
	"net"
)

// GetPreferredOutboundIP returns the machine's preferred outbound IPv4
// address. It dials a UDP connection to a public IP (no traffic is
// actually sent) and checks which local address the routing table
// selected. Returns empty string if detection fails.
func GetPreferredOutboundIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

// tailscaleNet is the CGNAT range used by Tailscale (100.64.0.0/10).
var tailscaleNet = &net.IPNet{
	IP:   net.IPv4(100, 64, 0, 0),
	Mask: net.CIDRMask(10, 32),
}

// GetTailscaleIP scans network interfaces for a Tailscale address.
// Returns empty string if none is found.
func GetTailscaleIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip != nil && tailscaleNet.Contains(ip) {
				return ip.String()
			}
		}
	}

	return ""
}

// displayAddress picks the address a mobile device should use to reach
// this host, preferring Tailscale, then LAN, then the listen address.
func displayAddress(listenAddr string) string {
	_, port, err := net.SplitHostPort(listenAddr)
	if err != nil || port == "" {
		port = "7171"
	}
	if ip := GetTailscaleIP(); ip != "" {
		return ip + ":" + port
	}
	if ip := GetPreferredOutboundIP(); ip != "" {
		return ip + ":" + port
	}
	return listenAddr
}
