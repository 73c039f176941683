package main

import (
	"net"
	"os"
	"strconv"
	"strings"
)

// processIdentity names a running subcommand in startup logs
type processIdentity struct {
	Role        string
	Node        string
	Port        int
	RegistryURL string
}

func newProcessIdentity(role string, port int, registryURL string) processIdentity {
	return processIdentity{
		Role:        role,
		Node:        nodeName(),
		Port:        port,
		RegistryURL: registryURL,
	}
}

// Fields renders the identity as structured log fields
func (p processIdentity) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"role":    p.Role,
		"node":    p.Node,
		"pid":     os.Getpid(),
		"version": Version,
	}
	if p.Port > 0 {
		fields["listen"] = net.JoinHostPort(p.Node, strconv.Itoa(p.Port))
	}
	if p.RegistryURL != "" {
		fields["registry_url"] = p.RegistryURL
	}
	return fields
}

// nodeName prefers NODE_NAME, as injected by orchestrators, over the hostname
func nodeName() string {
	if node := strings.TrimSpace(os.Getenv("NODE_NAME")); node != "" {
		return node
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "unknown"
}

// getPort lets the PORT environment variable override the configured port
func getPort(configured int) int {
	raw := strings.TrimSpace(os.Getenv("PORT"))
	if raw == "" {
		return configured
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		return configured
	}
	return port
}
