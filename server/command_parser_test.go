package server

import (
	"testing"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		hasTag   bool
		wantTag  string
		wantCmd  string
		wantArgs []string
		wantErr  bool
	}{
		{
			name:   "empty line",
			line:   "",
			hasTag: true,
		},
		{
			name:    "tag only",
			line:    "A001",
			hasTag:  true,
			wantTag: "A001",
		},
		{
			name:    "tag and command",
			line:    "A001 NOOP",
			hasTag:  true,
			wantTag: "A001",
			wantCmd: "NOOP",
		},
		{
			name:     "login with atoms",
			line:     "A001 LOGIN user password",
			hasTag:   true,
			wantTag:  "A001",
			wantCmd:  "LOGIN",
			wantArgs: []string{"user", "password"},
		},
		{
			name:     "login with quoted identity",
			line:     `A001 LOGIN "user@example.com" "secret pass"`,
			hasTag:   true,
			wantTag:  "A001",
			wantCmd:  "LOGIN",
			wantArgs: []string{`"user@example.com"`, `"secret pass"`},
		},
		{
			name:     "escaped quote inside quoted string",
			line:     `A001 LOGIN "user" "pa\"ss"`,
			hasTag:   true,
			wantTag:  "A001",
			wantCmd:  "LOGIN",
			wantArgs: []string{`"user"`, `"pa\"ss"`},
		},
		{
			name:     "literal marker is an opaque argument",
			line:     "A001 LOGIN {17}",
			hasTag:   true,
			wantTag:  "A001",
			wantCmd:  "LOGIN",
			wantArgs: []string{"{17}"},
		},
		{
			name:     "command is uppercased",
			line:     "a1 login user pass",
			hasTag:   true,
			wantTag:  "a1",
			wantCmd:  "LOGIN",
			wantArgs: []string{"user", "pass"},
		},
		{
			name:    "unclosed quote",
			line:    `A001 LOGIN "user`,
			hasTag:  true,
			wantErr: true,
		},
		{
			name:     "untagged line",
			line:     "FETCH 1 BODY[]",
			hasTag:   false,
			wantCmd:  "FETCH",
			wantArgs: []string{"1", "BODY[]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag, cmd, args, err := ParseLine(tt.line, tt.hasTag)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLine(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tag != tt.wantTag {
				t.Errorf("tag = %q, want %q", tag, tt.wantTag)
			}
			if cmd != tt.wantCmd {
				t.Errorf("command = %q, want %q", cmd, tt.wantCmd)
			}
			if len(args) != len(tt.wantArgs) {
				t.Fatalf("args = %v, want %v", args, tt.wantArgs)
			}
			for i := range args {
				if args[i] != tt.wantArgs[i] {
					t.Errorf("args[%d] = %q, want %q", i, args[i], tt.wantArgs[i])
				}
			}
		})
	}
}

func TestUnquoteString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"user@example.com"`, "user@example.com"},
		{`user@example.com`, "user@example.com"},
		{`"pa\"ss"`, `pa"ss`},
		{`"back\\slash"`, `back\slash`},
		{`""`, ""},
		{`"`, `"`},
	}
	for _, tt := range tests {
		if got := UnquoteString(tt.in); got != tt.want {
			t.Errorf("UnquoteString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseLiteralMarker(t *testing.T) {
	tests := []struct {
		line        string
		wantSize    int64
		wantNonSync bool
		wantOK      bool
	}{
		{"A001 LOGIN {12}\r\n", 12, false, true},
		{"A001 LOGIN {12+}\r\n", 12, true, true},
		{"* 1 FETCH (UID 7 BODY[] {310}\r\n", 310, false, true},
		{"A001 LOGIN user pass\r\n", 0, false, false},
		{"A001 LOGIN {}\r\n", 0, false, false},
		{"A001 LOGIN {-4}\r\n", 0, false, false},
		{"A001 LOGIN {abc}\r\n", 0, false, false},
	}
	for _, tt := range tests {
		size, nonSync, ok := ParseLiteralMarker(tt.line)
		if ok != tt.wantOK || size != tt.wantSize || nonSync != tt.wantNonSync {
			t.Errorf("ParseLiteralMarker(%q) = (%d, %v, %v), want (%d, %v, %v)",
				tt.line, size, nonSync, ok, tt.wantSize, tt.wantNonSync, tt.wantOK)
		}
	}
}

func TestRewriteLiteralMarker(t *testing.T) {
	line := "* 1 FETCH (BODY[] {310}\r\n"
	got := RewriteLiteralMarker(line, 99)
	want := "* 1 FETCH (BODY[] {99}\r\n"
	if got != want {
		t.Errorf("RewriteLiteralMarker = %q, want %q", got, want)
	}
}
