package fedsender

import "testing"

func TestUserID_Host(t *testing.T) {
	cases := []struct {
		id   UserID
		want string
	}{
		{"@alice:chat.example.org", "chat.example.org"},
		{"@bob:sub.example.org", "sub.example.org"},
		{"noColon", ""},
		{"@trailing:", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := c.id.Host(); got != c.want {
			t.Errorf("UserID(%q).Host() = %q, want %q", c.id, got, c.want)
		}
	}
}

func TestIsMine(t *testing.T) {
	if !IsMine("@alice:chat.example.org", "chat.example.org") {
		t.Error("expected @alice:chat.example.org to be mine for chat.example.org")
	}
	if IsMine("@alice:other.org", "chat.example.org") {
		t.Error("expected @alice:other.org not to be mine for chat.example.org")
	}
}

func TestPDUMetadata_SendOnBehalfOf(t *testing.T) {
	var m PDUMetadata
	if m.SendOnBehalfOf() != nil {
		t.Error("zero-value PDUMetadata should have nil SendOnBehalfOf")
	}
	dest := Destination("origin.example.org")
	m.SendOnBehalfOfDest = &dest
	if got := m.SendOnBehalfOf(); got == nil || *got != dest {
		t.Errorf("SendOnBehalfOf() = %v, want %v", got, dest)
	}
}
