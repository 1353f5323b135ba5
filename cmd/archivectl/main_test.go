package main

import (
	"bytes"
	"strings"
	"testing"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCommand()
	want := []string{"capture", "harvest", "import-logs", "process", "reupload", "migrate", "tokens"}
	for _, name := range want {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("subcommand %q missing (err=%v)", name, err)
		}
	}
	for _, sub := range []string{"up", "down", "version", "force"} {
		if c, _, err := root.Find([]string{"migrate", sub}); err != nil || c.Name() != sub {
			t.Errorf("migrate %q missing (err=%v)", sub, err)
		}
	}
}

func TestArgumentValidation(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "")
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "capture without id", args: []string{"capture"}, wantErr: "accepts 1 arg"},
		{name: "capture bad id", args: []string{"capture", "abc"}, wantErr: "invalid vod id"},
		{name: "harvest bad id", args: []string{"harvest", "v"}, wantErr: "invalid vod id"},
		{name: "import missing file arg", args: []string{"import-logs", "1001"}, wantErr: "accepts 2 arg"},
		{name: "import missing file", args: []string{"import-logs", "1001", "/nonexistent/chat.json"}, wantErr: "inspect file"},
		{name: "process directory", args: []string{"process", "1001", "."}, wantErr: "is a directory"},
		{name: "reupload bad part", args: []string{"reupload", "1001", "main.go", "first"}, wantErr: "invalid part"},
		{name: "reupload zero part", args: []string{"reupload", "1001", "main.go", "0"}, wantErr: "invalid part"},
		{name: "reupload missing file", args: []string{"reupload", "1001", "/nonexistent/1001.mp4", "1"}, wantErr: "inspect file"},
		{name: "migrate extra arg", args: []string{"migrate", "up", "extra"}, wantErr: "unknown command"},
		{name: "force bad version", args: []string{"migrate", "force", "latest"}, wantErr: "invalid version"},
		{name: "encrypt without key", args: []string{"tokens", "encrypt"}, wantErr: "ENCRYPTION_KEY is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCommand(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestVODArg(t *testing.T) {
	for _, ok := range []string{"1001", "v1001"} {
		if err := vodArg(nil, []string{ok}); err != nil {
			t.Errorf("vodArg(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "v", "12a", "../1"} {
		if err := vodArg(nil, []string{bad}); err == nil {
			t.Errorf("vodArg(%q) accepted", bad)
		}
	}
	if got := vodID("v1001"); got != "1001" {
		t.Errorf("vodID = %q", got)
	}
}

func TestRootShowsHelp(t *testing.T) {
	out, err := runCommand(t)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if !strings.Contains(out, "archivectl") || !strings.Contains(out, "import-logs") {
		t.Errorf("help output = %q", out)
	}
}
