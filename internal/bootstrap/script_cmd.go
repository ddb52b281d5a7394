package bootstrap

import (
	"fmt"
	"strings"
)

// cmd.exe truncates anything longer than this, silently corrupting the
// command, so the length is enforced client-side before a channel is opened.
const cmdMaxCommandLength = 8191

// cmdCommand serializes the PowerShell install script onto a single
// cmd.exe-safe -Command invocation. Cmd targets have no way to deliver a
// multi-line script body, so the whole script rides the command line.
func cmdCommand(o InstallOptions) (string, error) {
	return cmdWrap(powershellScript(o))
}

// cmdWrap folds any PowerShell script onto one escaped -Command line,
// enforcing the length ceiling before anything touches the wire.
func cmdWrap(script string) (string, error) {
	line := strings.ReplaceAll(foldPowerShell(script), `"`, `\"`)
	cmd := fmt.Sprintf(`powershell -NoProfile -NonInteractive -ExecutionPolicy Bypass -Command "%s"`, line)
	if len(cmd) > cmdMaxCommandLength {
		return "", fmt.Errorf("%w: %d bytes", ErrCommandTooLong, len(cmd))
	}
	return cmd, nil
}

// foldPowerShell joins a multi-line script into one statement list. Comments
// and blank lines are dropped; block openers and continuation keywords must
// not be preceded by a separator.
func foldPowerShell(script string) string {
	var out []string
	prevOpensBlock := false
	for _, raw := range strings.Split(script, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(out) == 0 {
			out = append(out, line)
		} else if prevOpensBlock || continuesBlock(line) {
			out = append(out, " ", line)
		} else {
			out = append(out, "; ", line)
		}
		prevOpensBlock = strings.HasSuffix(line, "{")
	}
	return strings.Join(out, "")
}

func continuesBlock(line string) bool {
	for _, kw := range []string{"elseif", "else", "catch", "finally"} {
		if strings.HasPrefix(line, kw) {
			return true
		}
	}
	return false
}
