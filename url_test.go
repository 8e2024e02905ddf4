package ldappool

import (
	"testing"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    target
		wantErr bool
	}{
		{
			name: "ldap default port",
			url:  "ldap://ldap.example.com",
			want: target{Network: "tcp", Address: "ldap.example.com:389", Host: "ldap.example.com"},
		},
		{
			name: "ldaps default port",
			url:  "ldaps://ldap.example.com",
			want: target{Network: "tcp", Address: "ldap.example.com:636", Host: "ldap.example.com", UseTLS: true},
		},
		{
			name: "explicit port",
			url:  "ldap://127.0.0.1:10389",
			want: target{Network: "tcp", Address: "127.0.0.1:10389", Host: "127.0.0.1"},
		},
		{
			name: "ipv6",
			url:  "ldaps://[::1]:1636",
			want: target{Network: "tcp", Address: "[::1]:1636", Host: "::1", UseTLS: true},
		},
		{
			name: "trailing path ignored",
			url:  "ldap://ldap.example.com/dc=example,dc=com",
			want: target{Network: "tcp", Address: "ldap.example.com:389", Host: "ldap.example.com"},
		},
		{
			name: "ldapi default socket",
			url:  "ldapi://",
			want: target{Network: "unix", Address: "/var/run/slapd/ldapi"},
		},
		{
			name: "ldapi path",
			url:  "ldapi:///run/openldap/ldapi",
			want: target{Network: "unix", Address: "/run/openldap/ldapi"},
		},
		{name: "empty", url: "", wantErr: true},
		{name: "bad scheme", url: "http://ldap.example.com", wantErr: true},
		{name: "no scheme", url: "ldap.example.com", wantErr: true},
		{name: "missing host", url: "ldap://:389", wantErr: true},
		{name: "port out of range", url: "ldap://ldap.example.com:70000", wantErr: true},
		{name: "port not numeric", url: "ldap://ldap.example.com:ldap", wantErr: true},
		{name: "unparseable", url: "ldap://[::1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseURL(tt.url)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseURL(%q) = %+v, want error", tt.url, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseURL(%q) error = %v", tt.url, err)
			}
			if *got != tt.want {
				t.Errorf("parseURL(%q) = %+v, want %+v", tt.url, *got, tt.want)
			}
		})
	}
}
