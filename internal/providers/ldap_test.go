package providers

import "testing"

func TestLdapEscapeStripsDisallowedCharacters(t *testing.T) {
	got := ldapEscape("Al*ice)(uid=*")
	const want = "liceuid="
	if got != want {
		t.Fatalf("ldapEscape(...) = %q, want %q", got, want)
	}
}

func TestLdapEscapeBinaryEscapesSpecialsAndBoundarySpaces(t *testing.T) {
	got := ldapEscapeBinary([]byte(" a#b "))
	want := `\20a\23b\20`
	if got != want {
		t.Fatalf("ldapEscapeBinary(%q) = %q, want %q", " a#b ", got, want)
	}
}

func TestDnUnescapeReversesHexEscapes(t *testing.T) {
	escaped := `cn=Doe\2C John`
	got := dnUnescape(escaped)
	want := "cn=Doe, John"
	if got != want {
		t.Fatalf("dnUnescape(%q) = %q, want %q", escaped, got, want)
	}
}
