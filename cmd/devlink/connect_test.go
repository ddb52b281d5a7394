package main

import (
	"testing"

	cliconfig "github.com/antonkrylov/devlink/internal/cli/config"
)

func TestParseForwards(t *testing.T) {
	specs, err := parseForwards([]string{"8080=80", "127.0.0.1:9000=10.0.0.5:9000", "5432=/var/run/postgresql/.s.PGSQL.5432"})
	if err != nil {
		t.Fatal(err)
	}
	if specs[0].LocalAddr != "127.0.0.1:8080" || specs[0].RemoteAddr != "127.0.0.1:80" {
		t.Errorf("bare ports: %+v", specs[0])
	}
	if specs[1].LocalAddr != "127.0.0.1:9000" || specs[1].RemoteAddr != "10.0.0.5:9000" {
		t.Errorf("full addrs: %+v", specs[1])
	}
	if specs[2].RemoteAddr != "/var/run/postgresql/.s.PGSQL.5432" {
		t.Errorf("socket remote: %+v", specs[2])
	}

	if _, err := parseForwards([]string{"8080"}); err == nil {
		t.Error("missing remote side should fail")
	}
}

func TestInstallOptionsMergesContext(t *testing.T) {
	root := &rootOptions{
		context: &cliconfig.Context{
			DefaultExtensions: []string{"golang.go"},
			EnvVariables:      []string{"NVM_DIR"},
			ListenOnSocket:    true,
			ServerBinaryName:  "custom-server",
			RemoteDataFolder:  ".custom",
		},
	}
	f := connectFlags{
		commit:     "abc123",
		extensions: []string{"ms-python.python"},
	}
	opts := f.installOptions(root)

	if len(opts.Extensions) != 2 || opts.Extensions[0] != "golang.go" || opts.Extensions[1] != "ms-python.python" {
		t.Errorf("extensions = %v", opts.Extensions)
	}
	if len(opts.EnvVariables) != 1 || opts.EnvVariables[0] != "NVM_DIR" {
		t.Errorf("env = %v", opts.EnvVariables)
	}
	if !opts.ListenOnSocket {
		t.Error("context socket preference lost")
	}
	if opts.ServerBinaryName != "custom-server" || opts.DataFolder != ".custom" {
		t.Errorf("server fields = %q %q", opts.ServerBinaryName, opts.DataFolder)
	}

	// explicit flags win over the context
	f.serverBin = "cli-server"
	opts = f.installOptions(root)
	if opts.ServerBinaryName != "cli-server" {
		t.Errorf("flag should win: %q", opts.ServerBinaryName)
	}
}
