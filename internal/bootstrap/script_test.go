package bootstrap

import (
	"errors"
	"strings"
	"testing"
)

func testOptions() InstallOptions {
	return InstallOptions{
		ID:      Marker("deadbeef"),
		Quality: "stable",
		Version: "1.92.0",
		Commit:  "abc123",
		Release: "r7",
	}.Normalize()
}

func TestPosixScriptContract(t *testing.T) {
	o := testOptions()
	o.Extensions = []string{"golang.go", "ms-azuretools.docker"}
	o.EnvVariables = []string{"NVM_DIR"}
	script := posixScript(o)

	for _, want := range []string{
		"--start-server --host=127.0.0.1 --port=0",
		"--connection-token-file \"$SERVER_TOKENFILE\"",
		"--telemetry-level off",
		"--enable-remote-auto-shutdown",
		"--accept-server-license-terms",
		"--install-extension 'golang.go'",
		"--install-extension 'ms-azuretools.docker'",
		o.ID.Start(),
		o.ID.End(),
		"sleep 0.5",
		"chmod 600",
		"NVM_DIR==${NVM_DIR:-}==",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q", want)
		}
	}

	// every native identifier the mapping handles
	for _, arch := range []string{"x86_64", "amd64", "armv7l", "armv8l", "arm64", "aarch64", "ppc64le", "ppc64", "powerpc64", "riscv64", "loongarch64", "s390x"} {
		if !strings.Contains(script, arch) {
			t.Errorf("arch case missing %q", arch)
		}
	}
}

func TestPosixScriptSocketMode(t *testing.T) {
	o := testOptions()
	o.ListenOnSocket = true
	script := posixScript(o)
	if strings.Contains(script, "--port=0") {
		t.Error("socket mode should not pass --port")
	}
	if !strings.Contains(script, "--socket-path=") {
		t.Error("socket mode should pass --socket-path")
	}
}

func TestPosixScriptURLTemplate(t *testing.T) {
	o := testOptions()
	o.DownloadURLTemplate = "https://dl.example.com/${quality}/${version}/${commit}/${release}/server-${os}-${arch}.tar.gz"
	script := posixScript(o)
	want := "https://dl.example.com/stable/1.92.0/abc123/r7/server-$PLATFORM-$SERVER_ARCH.tar.gz"
	if !strings.Contains(script, want) {
		t.Errorf("rendered URL missing, want %q", want)
	}
}

func TestPosixCommandQuoting(t *testing.T) {
	cmd := posixCommand("echo 'a b'")
	if cmd != `sh -c 'echo '\''a b'\'''` {
		t.Errorf("posixCommand = %q", cmd)
	}
}

func TestPowershellDelivery(t *testing.T) {
	o := testOptions()
	o.Extensions = []string{"golang.go"}
	script := powershellScript(o)
	stdin := powershellStdin(o, script)

	if !strings.Contains(stdin, "-ExecutionPolicy Bypass -File") {
		t.Error("wrapper should invoke the per-attempt file with a policy bypass")
	}
	if !strings.Contains(stdin, "install-deadbeef.ps1") {
		t.Error("wrapper should use a per-attempt script name")
	}
	if !strings.Contains(stdin, script) {
		t.Error("wrapper should embed the script body")
	}
	for _, want := range []string{
		"--start-server --host=127.0.0.1 --port=0",
		"--telemetry-level off",
		"--accept-server-license-terms",
		o.ID.Start(),
		o.ID.End(),
		"Start-Sleep -Milliseconds 500",
		"--install-extension `\"golang.go`\"",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q", want)
		}
	}
}

func TestCmdCommandSingleLine(t *testing.T) {
	cmd, err := cmdCommand(testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(cmd, "\n") {
		t.Error("command must be a single line")
	}
	if !strings.HasPrefix(cmd, "powershell -NoProfile") {
		t.Errorf("unexpected prefix: %.60s", cmd)
	}
	if len(cmd) > cmdMaxCommandLength {
		t.Errorf("command too long for its own ceiling: %d", len(cmd))
	}
	// comments must not survive folding
	if strings.Contains(cmd, "devlink install") {
		t.Error("comment leaked into folded command")
	}
}

func TestCmdCommandTooLong(t *testing.T) {
	o := testOptions()
	for i := 0; i < 400; i++ {
		o.Extensions = append(o.Extensions, "publisher.some-extension-name")
	}
	_, err := cmdCommand(o)
	if !errors.Is(err, ErrCommandTooLong) {
		t.Fatalf("err = %v, want ErrCommandTooLong", err)
	}
}

func TestFoldPowerShellBlocks(t *testing.T) {
	in := "if ($a) {\nb\n} else {\nc\n}\ntry {\nd\n} catch {\ne\n}"
	got := foldPowerShell(in)
	want := "if ($a) { b; } else { c; }; try { d; } catch { e; }"
	if got != want {
		t.Errorf("fold = %q, want %q", got, want)
	}
}
