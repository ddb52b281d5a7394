package bootstrap

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/antonkrylov/devlink/internal/session"
	"github.com/antonkrylov/devlink/internal/shell"
)

// Uninstall stops any server spawned from the data folder and removes the
// folder, returning the remote output. The inverse of Install; serialized the
// same way so it cannot race a concurrent bootstrap.
func (p *Protocol) Uninstall(ctx context.Context, s *session.Session, det shell.Detection, opts InstallOptions) (string, error) {
	opts = opts.Normalize()
	var out string
	err := p.sessions.Serialize(s.Authority.Authority, func() error {
		var command, stdin string
		switch det.Variant {
		case shell.VariantCmd:
			var err error
			command, err = cmdWrap(powershellUninstallScript(opts))
			if err != nil {
				return err
			}
		case shell.VariantPowerShell:
			command = powershellCommand()
			stdin = powershellUninstallScript(opts)
		default:
			command = posixCommand(posixUninstallScript(opts))
		}

		var r session.ExecResult
		var err error
		if stdin != "" {
			r, err = s.ExecStdin(ctx, command, stdin)
		} else {
			r, err = s.Exec(ctx, command)
		}
		if err != nil {
			return err
		}
		out = r.Stdout + r.Stderr
		if r.ExitCode != 0 {
			return &InstallError{Kind: ErrInstallFailed, ExitCode: r.ExitCode, Stdout: r.Stdout, Stderr: r.Stderr}
		}
		p.log.Info("server uninstalled", zap.String("authority", s.Authority.Authority.String()))
		return nil
	})
	return out, err
}

func posixUninstallScript(o InstallOptions) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "SERVER_DATA_DIR=\"$HOME/%s\"\n", o.DataFolder)
	b.WriteString("for PIDFILE in \"$SERVER_DATA_DIR\"/.*.pid; do\n")
	b.WriteString("    [ -f \"$PIDFILE\" ] || continue\n")
	b.WriteString("    kill \"$(cat \"$PIDFILE\")\" 2>/dev/null || true\n")
	b.WriteString("done\n")
	b.WriteString("rm -rf \"$SERVER_DATA_DIR\"\n")
	b.WriteString("echo \"removed $SERVER_DATA_DIR\"\n")
	return b.String()
}

func powershellUninstallScript(o InstallOptions) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "$dataDir = Join-Path $env:USERPROFILE \"%s\"\n", o.DataFolder)
	b.WriteString("if (Test-Path $dataDir) {\n")
	b.WriteString("Get-ChildItem -Path $dataDir -Filter \"*.pid\" -Force -ErrorAction SilentlyContinue | ForEach-Object { Stop-Process -Id (Get-Content $_.FullName) -Force -ErrorAction SilentlyContinue }\n")
	b.WriteString("Remove-Item -Recurse -Force $dataDir\n")
	b.WriteString("}\n")
	b.WriteString("Write-Output \"removed $dataDir\"\n")
	return b.String()
}
