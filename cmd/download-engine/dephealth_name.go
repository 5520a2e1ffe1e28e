// dephealth_name.go — имя вершины графа topologymetrics для текущего пода.
package main

import (
	"os"
	"strings"
)

// resolveServiceID возвращает DEPHEALTH_NAME или имя владельца пода из hostname.
func resolveServiceID(configured string) string {
	if configured != "" {
		return configured
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "download-engine"
	}
	return parseOwnerName(hostname)
}

// parseOwnerName извлекает имя владельца пода из hostname:
//   - Deployment: <name>-<хэш ReplicaSet>-<суффикс из 5 символов>
//   - StatefulSet: <name>-<ordinal>
//
// Остальные имена возвращаются как есть.
func parseOwnerName(hostname string) string {
	parts := strings.Split(hostname, "-")
	n := len(parts)

	if n >= 3 && len(parts[n-1]) == 5 && isAlnum(parts[n-1]) &&
		len(parts[n-2]) >= 6 && len(parts[n-2]) <= 10 && isAlnum(parts[n-2]) {
		return strings.Join(parts[:n-2], "-")
	}
	if n >= 2 && isDigits(parts[n-1]) {
		return strings.Join(parts[:n-1], "-")
	}
	return hostname
}

func isAlnum(s string) bool {
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return s != ""
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}
