// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package utils

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// HeaderValue scans a raw SIP header block (as delivered in E_UA_SESSION
// params) for the first header with the given name and returns its value,
// trimmed. Matching is case-insensitive per RFC 3261.
func HeaderValue(headers, name string) (string, bool) {
	prefix := strings.ToLower(name) + ":"
	for _, line := range strings.Split(headers, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < len(prefix) {
			continue
		}
		if strings.ToLower(line[:len(prefix)]) == prefix {
			return strings.TrimSpace(line[len(prefix):]), true
		}
	}
	return "", false
}

// UserFromHeader extracts the URI user part from a header value such as
// `"Support Bot" <sip:support@pbx.example.com>;tag=duw9g` or a bare
// `sip:support@pbx.example.com`.
func UserFromHeader(value string) (string, error) {
	uriStr := value
	if start := strings.IndexByte(value, '<'); start >= 0 {
		end := strings.IndexByte(value[start:], '>')
		if end < 0 {
			return "", fmt.Errorf("unbalanced angle brackets in %q", value)
		}
		uriStr = value[start+1 : start+end]
	} else if semi := strings.IndexByte(uriStr, ';'); semi >= 0 {
		uriStr = uriStr[:semi]
	}
	uriStr = strings.TrimSpace(uriStr)

	var uri sip.Uri
	if err := sip.ParseUri(uriStr, &uri); err != nil {
		return "", fmt.Errorf("parse uri %q: %w", uriStr, err)
	}
	if uri.User == "" {
		return "", fmt.Errorf("no user part in %q", uriStr)
	}
	return uri.User, nil
}

// StableIndex maps a string onto [0, n) deterministically so the same
// caller always lands on the same element.
func StableIndex(s string, n int) int {
	if n <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(n))
}
