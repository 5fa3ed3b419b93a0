package acl

import (
	"testing"

	"github.com/danmuck/consoled/internal/testutil/testlog"
)

func TestAllowedMatchesCommandAndOptions(t *testing.T) {
	testlog.Start(t)
	a := New(
		Rule{Command: "echo/*"},
		Rule{Command: "ucr/set", Options: map[string]string{"key": "apache2/*"}},
	)

	cases := []struct {
		command string
		options map[string]string
		want    bool
	}{
		{"echo/echo", nil, true},
		{"echo/sub/deep", nil, false},
		{"ucr/set", map[string]string{"key": "apache2/autostart"}, true},
		{"ucr/set", map[string]string{"key": "ldap/base"}, false},
		{"ucr/set", nil, false},
		{"other/cmd", nil, false},
	}
	for _, tc := range cases {
		if got := a.Allowed(tc.command, tc.options); got != tc.want {
			t.Fatalf("Allowed(%q,%v)=%v want %v", tc.command, tc.options, got, tc.want)
		}
	}
}

func TestNilACLDeniesEverything(t *testing.T) {
	var a *ACL
	if a.Allowed("echo/echo", nil) || a.Permits("echo/echo") {
		t.Fatalf("nil acl must deny")
	}
	if string(a.JSON()) != "[]" {
		t.Fatalf("nil acl json = %s", a.JSON())
	}
}

func TestParseRoundTrip(t *testing.T) {
	testlog.Start(t)
	a := New(Rule{Command: "echo/*", Options: map[string]string{"host": "h*"}})
	b, err := Parse(a.JSON())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !b.Allowed("echo/hosts", map[string]string{"host": "h1"}) {
		t.Fatalf("parsed acl lost its rule")
	}
	if _, err := Parse([]byte(`[{"command":"["}]`)); err == nil {
		t.Fatalf("expected bad pattern error")
	}
	if _, err := Parse([]byte(`{`)); err == nil {
		t.Fatalf("expected json error")
	}
}

func TestPolicyFor(t *testing.T) {
	testlog.Start(t)
	p := &Policy{Grants: []Grant{
		{Users: []string{"*"}, Rules: []Rule{{Command: "echo/echo"}}},
		{Users: []string{"admin"}, Rules: []Rule{{Command: "*/*"}}},
	}}
	if !p.For("guest").Allowed("echo/echo", nil) {
		t.Fatalf("wildcard grant missing")
	}
	if p.For("guest").Allowed("echo/sleep", nil) {
		t.Fatalf("guest must not get admin rules")
	}
	if !p.For("admin").Allowed("echo/sleep", nil) {
		t.Fatalf("admin grant missing")
	}
}
