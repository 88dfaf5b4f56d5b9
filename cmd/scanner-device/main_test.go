package main

import "testing"

func TestDefaultDeviceName(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{id: "0f8e4c2a-9b1d-4e57-a1c3-5d6e7f809a1b", want: "scanner-0f8e4c2a"},
		{id: "door1", want: "scanner-door1"},
		{id: "", want: "scanner-"},
	}
	for _, tt := range tests {
		if got := defaultDeviceName(tt.id); got != tt.want {
			t.Fatalf("defaultDeviceName(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}
