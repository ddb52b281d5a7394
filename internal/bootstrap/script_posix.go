package bootstrap

import (
	"bytes"
	"fmt"
	"strings"
)

// shQuote wraps s in single quotes for POSIX shells, closing and reopening
// around embedded quotes.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// posixCommand wraps the generated script for a single exec channel.
func posixCommand(script string) string {
	return "sh -c " + shQuote(script)
}

// posixScript renders the Linux/macOS/Alpine install script. Everything the
// client needs back travels through the marker-delimited block on stdout, so
// the script never depends on the remote exit status alone.
func posixScript(o InstallOptions) string {
	var b bytes.Buffer

	listenFlag := "--port=0"
	if o.ListenOnSocket {
		listenFlag = `--socket-path="$TMP_DIR/devlink-server-$COMMIT.sock"`
	}
	extFlags := ""
	for _, ext := range o.Extensions {
		extFlags += " --install-extension " + shQuote(ext)
	}

	fmt.Fprintf(&b, "#!/bin/sh\n")
	fmt.Fprintf(&b, "# devlink install %s\n", o.ID)
	fmt.Fprintf(&b, "TMP_DIR=\"${XDG_RUNTIME_DIR:-/tmp}\"\n")
	fmt.Fprintf(&b, "COMMIT=%s\n", shQuote(o.Commit))
	fmt.Fprintf(&b, "SERVER_DATA_DIR=\"$HOME/%s\"\n", o.DataFolder)
	fmt.Fprintf(&b, "SERVER_DIR=\"$SERVER_DATA_DIR/bin/$COMMIT\"\n")
	fmt.Fprintf(&b, "SERVER_BIN=\"$SERVER_DIR/bin/%s\"\n", o.ServerBinaryName)
	fmt.Fprintf(&b, "SERVER_LOGFILE=\"$SERVER_DATA_DIR/.$COMMIT.log\"\n")
	fmt.Fprintf(&b, "SERVER_PIDFILE=\"$SERVER_DATA_DIR/.$COMMIT.pid\"\n")
	fmt.Fprintf(&b, "SERVER_TOKENFILE=\"$SERVER_DATA_DIR/.$COMMIT.token\"\n")
	b.WriteString("SERVER_CONNECTION_TOKEN=\nLISTENING_ON=\nOS_RELEASE_ID=\nPLATFORM=\nSERVER_ARCH=\n")
	b.WriteString("\n")

	b.WriteString("print_install_results() {\n")
	fmt.Fprintf(&b, "    echo \"%s\"\n", o.ID.Start())
	b.WriteString("    echo \"exitCode==$1==\"\n")
	b.WriteString("    echo \"listeningOn==$LISTENING_ON==\"\n")
	b.WriteString("    echo \"connectionToken==$SERVER_CONNECTION_TOKEN==\"\n")
	b.WriteString("    echo \"logFile==$SERVER_LOGFILE==\"\n")
	b.WriteString("    echo \"osReleaseId==$OS_RELEASE_ID==\"\n")
	b.WriteString("    echo \"arch==$SERVER_ARCH==\"\n")
	b.WriteString("    echo \"platform==$PLATFORM==\"\n")
	b.WriteString("    echo \"tmpDir==$TMP_DIR==\"\n")
	for _, name := range o.EnvVariables {
		fmt.Fprintf(&b, "    echo \"%s==${%s:-}==\"\n", name, name)
	}
	fmt.Fprintf(&b, "    echo \"%s\"\n", o.ID.End())
	b.WriteString("}\n")
	b.WriteString("fail_with() {\n")
	b.WriteString("    print_install_results \"$1\"\n")
	b.WriteString("    exit \"$1\"\n")
	b.WriteString("}\n")
	b.WriteString("\n")

	b.WriteString("UNAME_S=\"$(uname -s)\"\n")
	b.WriteString("case $UNAME_S in\n")
	b.WriteString("    Linux) PLATFORM=linux;;\n")
	b.WriteString("    Darwin) PLATFORM=macos;;\n")
	b.WriteString("    *)\n")
	b.WriteString("        echo \"unsupported platform: $UNAME_S\"\n")
	fmt.Fprintf(&b, "        fail_with %d\n", exitUnsupportedPlatform)
	b.WriteString("        ;;\n")
	b.WriteString("esac\n")
	b.WriteString("if [ \"$PLATFORM\" = linux ] && [ -f /etc/alpine-release ]; then\n")
	b.WriteString("    PLATFORM=alpine\n")
	b.WriteString("fi\n")
	b.WriteString("if [ -f /etc/os-release ]; then\n")
	b.WriteString("    OS_RELEASE_ID=\"$(grep '^ID=' /etc/os-release | head -n 1 | cut -d= -f2- | tr -d '\"')\"\n")
	b.WriteString("fi\n")
	b.WriteString("if [ -z \"$OS_RELEASE_ID\" ]; then\n")
	b.WriteString("    OS_RELEASE_ID=unknown\n")
	b.WriteString("fi\n")
	b.WriteString("\n")

	b.WriteString("UNAME_M=\"$(uname -m)\"\n")
	b.WriteString("case $UNAME_M in\n")
	b.WriteString("    x86_64 | amd64) SERVER_ARCH=x64;;\n")
	b.WriteString("    armv7l | armv8l) SERVER_ARCH=armhf;;\n")
	b.WriteString("    arm64 | aarch64) SERVER_ARCH=arm64;;\n")
	b.WriteString("    ppc64le) SERVER_ARCH=ppc64le;;\n")
	b.WriteString("    ppc64 | powerpc64) SERVER_ARCH=ppc64;;\n")
	b.WriteString("    riscv64) SERVER_ARCH=riscv64;;\n")
	b.WriteString("    loongarch64) SERVER_ARCH=loong64;;\n")
	b.WriteString("    s390x) SERVER_ARCH=s390x;;\n")
	b.WriteString("    *)\n")
	b.WriteString("        # 32-bit userlands on 64-bit kernels report through arch(1)\n")
	b.WriteString("        PROBED_ARCH=\"$(arch 2>/dev/null || true)\"\n")
	b.WriteString("        case $PROBED_ARCH in\n")
	b.WriteString("            x86_64) SERVER_ARCH=x64;;\n")
	b.WriteString("            aarch64) SERVER_ARCH=arm64;;\n")
	b.WriteString("            *)\n")
	b.WriteString("                echo \"unsupported architecture: $UNAME_M\"\n")
	fmt.Fprintf(&b, "                fail_with %d\n", exitUnsupportedArch)
	b.WriteString("                ;;\n")
	b.WriteString("        esac\n")
	b.WriteString("        ;;\n")
	b.WriteString("esac\n")
	b.WriteString("\n")

	b.WriteString("if [ ! -x \"$SERVER_BIN\" ]; then\n")
	b.WriteString("    mkdir -p \"$SERVER_DIR\" || fail_with 1\n")
	b.WriteString("    SERVER_TAR=\"$TMP_DIR/devlink-server-$COMMIT.tar.gz\"\n")
	fmt.Fprintf(&b, "    DOWNLOAD_URL=\"%s\"\n", o.renderURL("$PLATFORM", "$SERVER_ARCH"))
	b.WriteString("    if command -v curl > /dev/null 2>&1; then\n")
	b.WriteString("        curl --fail -sSL \"$DOWNLOAD_URL\" -o \"$SERVER_TAR\" || fail_with 1\n")
	b.WriteString("    elif command -v wget > /dev/null 2>&1; then\n")
	b.WriteString("        wget -q -O \"$SERVER_TAR\" \"$DOWNLOAD_URL\" || fail_with 1\n")
	b.WriteString("    else\n")
	b.WriteString("        echo \"neither curl nor wget is available\"\n")
	b.WriteString("        fail_with 1\n")
	b.WriteString("    fi\n")
	b.WriteString("    tar -xzf \"$SERVER_TAR\" -C \"$SERVER_DIR\" --strip-components 1 || fail_with 1\n")
	b.WriteString("    rm -f \"$SERVER_TAR\"\n")
	b.WriteString("    if [ ! -x \"$SERVER_BIN\" ]; then\n")
	b.WriteString("        echo \"entry script missing after extraction: $SERVER_BIN\"\n")
	b.WriteString("        fail_with 1\n")
	b.WriteString("    fi\n")
	b.WriteString("fi\n")
	b.WriteString("\n")

	// Reuse a live server for this commit instead of spawning a second one.
	b.WriteString("if [ -f \"$SERVER_PIDFILE\" ] && [ -f \"$SERVER_TOKENFILE\" ]; then\n")
	b.WriteString("    SERVER_PID=\"$(cat \"$SERVER_PIDFILE\")\"\n")
	b.WriteString("    RUNNING_CMD=\"$(ps -o args= -p \"$SERVER_PID\" 2>/dev/null || true)\"\n")
	b.WriteString("    case $RUNNING_CMD in\n")
	b.WriteString("        *\"$SERVER_BIN\"*)\n")
	b.WriteString("            SERVER_CONNECTION_TOKEN=\"$(cat \"$SERVER_TOKENFILE\")\"\n")
	b.WriteString("            LISTENING_ON=\"$(grep -a -m 1 'listening on ' \"$SERVER_LOGFILE\" 2>/dev/null | sed 's/.*listening on //')\"\n")
	b.WriteString("            if [ -n \"$LISTENING_ON\" ]; then\n")
	b.WriteString("                print_install_results 0\n")
	b.WriteString("                exit 0\n")
	b.WriteString("            fi\n")
	b.WriteString("            ;;\n")
	b.WriteString("    esac\n")
	b.WriteString("fi\n")
	b.WriteString("rm -f \"$SERVER_PIDFILE\" \"$SERVER_TOKENFILE\" \"$SERVER_LOGFILE\"\n")
	b.WriteString("\n")

	b.WriteString("if command -v openssl > /dev/null 2>&1; then\n")
	b.WriteString("    SERVER_CONNECTION_TOKEN=\"$(openssl rand -hex 16)\"\n")
	b.WriteString("elif [ -r /proc/sys/kernel/random/uuid ]; then\n")
	b.WriteString("    SERVER_CONNECTION_TOKEN=\"$(cat /proc/sys/kernel/random/uuid)\"\n")
	b.WriteString("else\n")
	b.WriteString("    SERVER_CONNECTION_TOKEN=\"$(od -An -N16 -tx1 /dev/urandom | tr -d ' \\n')\"\n")
	b.WriteString("fi\n")
	b.WriteString("(umask 077 && printf '%s' \"$SERVER_CONNECTION_TOKEN\" > \"$SERVER_TOKENFILE\") || fail_with 1\n")
	b.WriteString("chmod 600 \"$SERVER_TOKENFILE\" 2>/dev/null\n")
	b.WriteString("\n")

	fmt.Fprintf(&b, "nohup \"$SERVER_BIN\" --start-server --host=127.0.0.1 %s%s --connection-token-file \"$SERVER_TOKENFILE\" --telemetry-level off --enable-remote-auto-shutdown --accept-server-license-terms > \"$SERVER_LOGFILE\" 2>&1 &\n", listenFlag, extFlags)
	b.WriteString("echo $! > \"$SERVER_PIDFILE\"\n")
	b.WriteString("\n")

	b.WriteString("for _ in 1 2 3 4 5; do\n")
	b.WriteString("    LISTENING_ON=\"$(grep -a -m 1 'listening on ' \"$SERVER_LOGFILE\" 2>/dev/null | sed 's/.*listening on //')\"\n")
	b.WriteString("    if [ -n \"$LISTENING_ON\" ]; then\n")
	b.WriteString("        break\n")
	b.WriteString("    fi\n")
	b.WriteString("    sleep 0.5\n")
	b.WriteString("done\n")
	b.WriteString("if [ -z \"$LISTENING_ON\" ]; then\n")
	b.WriteString("    echo \"server did not report a listen address; log follows\"\n")
	b.WriteString("    cat \"$SERVER_LOGFILE\" 2>/dev/null\n")
	b.WriteString("    fail_with 1\n")
	b.WriteString("fi\n")
	b.WriteString("\n")
	b.WriteString("print_install_results 0\n")

	return b.String()
}
