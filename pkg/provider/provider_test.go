package provider

import (
	"errors"
	"testing"
)

func TestSelectorMatches(t *testing.T) {
	m := Model{ID: "llama3:8b", Vendor: "Library", Family: "llama3", Version: "8b"}
	cases := []struct {
		name string
		sel  Selector
		want bool
	}{
		{"empty matches all", Selector{}, true},
		{"exact id", Selector{ID: "llama3:8b"}, true},
		{"wrong id", Selector{ID: "llama3:70b"}, false},
		{"vendor case-insensitive", Selector{Vendor: "library"}, true},
		{"family case-insensitive", Selector{Family: "LLAMA3"}, true},
		{"version match", Selector{Version: "8B"}, true},
		{"wrong family", Selector{Family: "gpt"}, false},
		{"id and vendor combined", Selector{ID: "llama3:8b", Vendor: "LIBRARY"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.sel.Matches(m); got != tc.want {
				t.Fatalf("Matches(%+v) = %v, want %v", tc.sel, got, tc.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"model not found", &Error{Code: CodeModelNotFound, Message: "x"}, 404, "Requested model not available"},
		{"no permissions", &Error{Code: CodeNoPermissions}, 403, "Model access not permitted"},
		{"consent required", &Error{Code: CodeConsentRequired}, 403, "Model access not permitted"},
		{"quota exceeded", &Error{Code: CodeQuotaExceeded}, 429, "Quota exceeded"},
		{"blocked", &Error{Code: CodeBlocked}, 429, "Quota exceeded"},
		{"unknown provider code", &Error{Code: CodeUnknown}, 502, "Language model request failed"},
		{"plain error", errors.New("boom"), 500, "Internal Server Error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Normalize(tc.err)
			if got.StatusCode != tc.wantStatus || got.Message != tc.wantMsg {
				t.Fatalf("Normalize = %+v, want %d %q", got, tc.wantStatus, tc.wantMsg)
			}
		})
	}
}

func TestModelFamily(t *testing.T) {
	cases := []struct {
		id   string
		want string
	}{
		{"llama3:8b", "llama3"},
		{"gpt-4o-mini", "gpt"},
		{"mistral", "mistral"},
		{":weird", ":weird"},
	}
	for _, tc := range cases {
		if got := modelFamily(tc.id); got != tc.want {
			t.Fatalf("modelFamily(%q) = %q, want %q", tc.id, got, tc.want)
		}
	}
}
