// Copyright 2024-2026 Aiku AI

package engine

import "testing"

func TestMakeUserID(t *testing.T) {
	t.Parallel()
	id := MakeUserID("alice", "example.com")
	if id != UserID("alice@example.com") {
		t.Errorf("MakeUserID: got %q, want %q", id, "alice@example.com")
	}
}

func TestParseUserID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		id        UserID
		localpart string
		domain    string
	}{
		{"alice@example.com", "alice", "example.com"},
		{"example.com", "", "example.com"},
		{"", "", ""},
		{"@example.com", "", "example.com"},
		{"alice@", "alice", ""},
	}
	for _, tt := range tests {
		local, domain := ParseUserID(tt.id)
		if local != tt.localpart || domain != tt.domain {
			t.Errorf("ParseUserID(%q): got (%q, %q), want (%q, %q)",
				tt.id, local, domain, tt.localpart, tt.domain)
		}
	}
}

func TestUserIDRoundTrip(t *testing.T) {
	t.Parallel()
	original := UserID("bob@chat.example.org")
	local, domain := ParseUserID(original)
	if got := MakeUserID(local, domain); got != original {
		t.Errorf("UserID round trip: got %q, want %q", got, original)
	}
}

func TestUserIDDomain(t *testing.T) {
	t.Parallel()
	if got := UserID("alice@example.com").Domain(); got != "example.com" {
		t.Errorf("Domain: got %q, want %q", got, "example.com")
	}
	if got := UserID("example.com").Domain(); got != "example.com" {
		t.Errorf("Domain of bare domain: got %q, want %q", got, "example.com")
	}
}

func TestParseDeviceID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		want  DeviceID
	}{
		{"0", 0},
		{"41", 41},
		{"4294967295", 4294967295},
	}
	for _, tt := range tests {
		got, err := ParseDeviceID(tt.input)
		if err != nil || got != tt.want {
			t.Errorf("ParseDeviceID(%q): got (%v, %v), want %v", tt.input, got, err, tt.want)
		}
	}
}

func TestParseDeviceIDInvalid(t *testing.T) {
	t.Parallel()
	for _, input := range []string{"", "abc", "-1", "4294967296", "12.5"} {
		if _, err := ParseDeviceID(input); err == nil {
			t.Errorf("ParseDeviceID(%q) should fail", input)
		}
	}
}

func TestDeviceIDString(t *testing.T) {
	t.Parallel()
	if got := DeviceID(41).String(); got != "41" {
		t.Errorf("DeviceID.String: got %q, want %q", got, "41")
	}
	original := DeviceID(987654)
	parsed, err := ParseDeviceID(original.String())
	if err != nil || parsed != original {
		t.Errorf("DeviceID round trip: got (%v, %v), want %v", parsed, err, original)
	}
}

func TestParseAddress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		bare  string
		part  string
	}{
		{"alice@example.com", "alice@example.com", ""},
		{"alice@example.com/phone", "alice@example.com", "phone"},
		{"room@muc.example.com/nick", "room@muc.example.com", "nick"},
		{"room@muc.example.com/a/b", "room@muc.example.com", "a/b"},
		{"", "", ""},
	}
	for _, tt := range tests {
		got := ParseAddress(tt.input)
		if got.Bare != tt.bare || got.Part != tt.part {
			t.Errorf("ParseAddress(%q): got %+v, want {%q %q}", tt.input, got, tt.bare, tt.part)
		}
	}
}

func TestAddressString(t *testing.T) {
	t.Parallel()
	if got := (Address{Bare: "alice@example.com"}).String(); got != "alice@example.com" {
		t.Errorf("bare Address.String: got %q", got)
	}
	full := Address{Bare: "room@muc.example.com", Part: "ally"}
	if got := full.String(); got != "room@muc.example.com/ally" {
		t.Errorf("Address.String: got %q", got)
	}
	if got := ParseAddress(full.String()); got != full {
		t.Errorf("Address round trip: got %+v, want %+v", got, full)
	}
}

func TestMakeRoomAddress(t *testing.T) {
	t.Parallel()
	addr := MakeRoomAddress("room@muc.example.com", "ally")
	if addr.Bare != "room@muc.example.com" || addr.Part != "ally" {
		t.Errorf("MakeRoomAddress: got %+v", addr)
	}
	if addr.Room() != RoomID("room@muc.example.com") {
		t.Errorf("Address.Room: got %q", addr.Room())
	}
}

func TestAddressIsZero(t *testing.T) {
	t.Parallel()
	if !(Address{}).IsZero() {
		t.Error("empty Address should be zero")
	}
	if (Address{Bare: "x"}).IsZero() {
		t.Error("non-empty Address should not be zero")
	}
	if (Address{Part: "p"}).IsZero() {
		t.Error("part-only Address should not be zero")
	}
}

func TestNewMessageID(t *testing.T) {
	t.Parallel()
	a, b := NewMessageID(), NewMessageID()
	if a == "" || b == "" {
		t.Error("NewMessageID returned an empty ID")
	}
	if a == b {
		t.Errorf("NewMessageID returned %q twice", a)
	}
}
