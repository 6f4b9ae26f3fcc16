package helpers

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "30s", want: 30 * time.Second},
		{in: "5m", want: 5 * time.Minute},
		{in: "1.5h", want: 90 * time.Minute},
		{in: "2d", want: 48 * time.Hour},
		{in: "0.5d", want: 12 * time.Hour},
		{in: " 10s ", want: 10 * time.Second},
		{in: "", wantErr: true},
		{in: "bogus", wantErr: true},
		{in: "xd", wantErr: true},
	}

	for _, tc := range tests {
		got, err := ParseDuration(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseDuration(%q) = %v, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDuration(%q) = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestMaskSensitive(t *testing.T) {
	tests := []struct {
		name string
		line string
		cmd  string
		want string
	}{
		{
			name: "login password redacted",
			line: `a1 LOGIN alice@example.com hunter2`,
			cmd:  "LOGIN",
			want: `a1 LOGIN alice@example.com [REDACTED]`,
		},
		{
			name: "quoted login password redacted",
			line: `a1 LOGIN "alice@example.com" "hunter2"`,
			cmd:  "LOGIN",
			want: `a1 LOGIN "alice@example.com" [REDACTED]`,
		},
		{
			name: "authenticate initial response redacted",
			line: `a2 AUTHENTICATE PLAIN AGFsaWNlAGh1bnRlcjI=`,
			cmd:  "AUTHENTICATE",
			want: `a2 AUTHENTICATE PLAIN [REDACTED]`,
		},
		{
			name: "non-sensitive command untouched",
			line: `a3 SELECT INBOX`,
			cmd:  "SELECT",
			want: `a3 SELECT INBOX`,
		},
		{
			name: "login without password untouched",
			line: `a4 LOGIN alice@example.com`,
			cmd:  "LOGIN",
			want: `a4 LOGIN alice@example.com`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := MaskSensitive(tc.line, tc.cmd, "LOGIN", "AUTHENTICATE")
			if got != tc.want {
				t.Errorf("MaskSensitive(%q) = %q, want %q", tc.line, got, tc.want)
			}
		})
	}
}
