// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package utils

import "testing"

const sampleHeaders = "INVITE sip:bot@pbx.example.com SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 10.0.0.5:5060;branch=z9hG4bK776asdhds\r\n" +
	"From: \"Alice\" <sip:alice@example.com>;tag=1928301774\r\n" +
	"To: <sip:bot@pbx.example.com>\r\n" +
	"Call-ID: a84b4c76e66710\r\n" +
	"Subscription-State: terminated;reason=noresource\r\n"

func TestHeaderValue(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected string
		found    bool
	}{
		{"to header", "To", "<sip:bot@pbx.example.com>", true},
		{"case insensitive", "to", "<sip:bot@pbx.example.com>", true},
		{"from header", "From", "\"Alice\" <sip:alice@example.com>;tag=1928301774", true},
		{"subscription state", "Subscription-State", "terminated;reason=noresource", true},
		{"absent header", "Refer-To", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := HeaderValue(sampleHeaders, tt.header)
			if ok != tt.found {
				t.Fatalf("found=%v, expected %v", ok, tt.found)
			}
			if got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestUserFromHeader(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected string
		wantErr  bool
	}{
		{"angle brackets", "<sip:bot@pbx.example.com>", "bot", false},
		{"display name", "\"Support\" <sip:support@pbx.example.com>;tag=x", "support", false},
		{"bare uri", "sip:alice@example.com", "alice", false},
		{"bare uri with params", "sip:alice@example.com;transport=udp", "alice", false},
		{"no user part", "<sip:example.com>", "", true},
		{"unbalanced bracket", "<sip:bot@example.com", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UserFromHeader(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestStableIndex(t *testing.T) {
	if got := StableIndex("anything", 0); got != 0 {
		t.Errorf("zero modulus must map to 0, got %d", got)
	}

	first := StableIndex("+15551234567", 4)
	for i := 0; i < 10; i++ {
		if got := StableIndex("+15551234567", 4); got != first {
			t.Fatalf("index not stable: %d vs %d", got, first)
		}
	}
	if first < 0 || first >= 4 {
		t.Errorf("index out of range: %d", first)
	}
}
