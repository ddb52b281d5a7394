package bootstrap

import (
	"bytes"
	"fmt"
)

// powershellCommand is the exec command for PowerShell targets. The script
// itself travels on stdin via the wrapper, never on the command line, so its
// size is unconstrained. The same command works when the login shell is a
// MinGW/MSYS bash, which passes it through to powershell.exe on PATH.
func powershellCommand() string {
	return "powershell -NoProfile -NonInteractive -ExecutionPolicy Bypass -Command -"
}

// powershellStdin wraps the install script so each attempt is written to its
// own file under the profile directory and invoked with a policy bypass, then
// removed. Group Policy setups that block -Command payload sizes or inline
// scriptblocks still honor -File.
func powershellStdin(o InstallOptions, script string) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "$dlDir = Join-Path $env:USERPROFILE \"%s\"\n", o.DataFolder)
	b.WriteString("New-Item -ItemType Directory -Force -Path $dlDir | Out-Null\n")
	fmt.Fprintf(&b, "$dlScript = Join-Path $dlDir \"install-%s.ps1\"\n", o.ID)
	b.WriteString("[System.IO.File]::WriteAllText($dlScript, @'\n")
	b.WriteString(script)
	b.WriteString("\n'@)\n")
	b.WriteString("powershell -NoProfile -NonInteractive -ExecutionPolicy Bypass -File $dlScript\n")
	b.WriteString("Remove-Item -Force -ErrorAction SilentlyContinue $dlScript\n")
	return b.String()
}

// powershellScript renders the Windows install script. Lines are kept
// one-statement-each and brace-friendly so the cmd.exe path can fold the
// whole script onto a single -Command line.
func powershellScript(o InstallOptions) string {
	var b bytes.Buffer

	listenFlag := "--port=0"
	if o.ListenOnSocket {
		listenFlag = "--socket-path=`\"$dlSock`\""
	}
	extFlags := ""
	for _, ext := range o.Extensions {
		extFlags += fmt.Sprintf(" --install-extension `\"%s`\"", ext)
	}

	fmt.Fprintf(&b, "# devlink install %s\n", o.ID)
	b.WriteString("$ErrorActionPreference = \"Stop\"\n")
	b.WriteString("$ProgressPreference = \"SilentlyContinue\"\n")
	fmt.Fprintf(&b, "$commit = \"%s\"\n", o.Commit)
	fmt.Fprintf(&b, "$dataDir = Join-Path $env:USERPROFILE \"%s\"\n", o.DataFolder)
	b.WriteString("$serverDir = Join-Path $dataDir \"bin\\$commit\"\n")
	fmt.Fprintf(&b, "$serverBin = Join-Path $serverDir \"bin\\%s.cmd\"\n", o.ServerBinaryName)
	b.WriteString("$logFile = Join-Path $dataDir \".$commit.log\"\n")
	b.WriteString("$errFile = Join-Path $dataDir \".$commit.err.log\"\n")
	b.WriteString("$pidFile = Join-Path $dataDir \".$commit.pid\"\n")
	b.WriteString("$tokenFile = Join-Path $dataDir \".$commit.token\"\n")
	b.WriteString("$tmpDir = $env:TEMP\n")
	b.WriteString("$dlSock = Join-Path $tmpDir \"devlink-server-$commit.sock\"\n")
	b.WriteString("$listeningOn = \"\"\n")
	b.WriteString("$token = \"\"\n")
	b.WriteString("$serverArch = \"\"\n")

	fmt.Fprintf(&b, "function printInstallResults($code) {\n")
	fmt.Fprintf(&b, "Write-Output \"%s\"\n", o.ID.Start())
	b.WriteString("Write-Output \"exitCode==$code==\"\n")
	b.WriteString("Write-Output \"listeningOn==$listeningOn==\"\n")
	b.WriteString("Write-Output \"connectionToken==$token==\"\n")
	b.WriteString("Write-Output \"logFile==$logFile==\"\n")
	b.WriteString("Write-Output \"osReleaseId==windows==\"\n")
	b.WriteString("Write-Output \"arch==$serverArch==\"\n")
	b.WriteString("Write-Output \"platform==windows==\"\n")
	b.WriteString("Write-Output \"tmpDir==$tmpDir==\"\n")
	for _, name := range o.EnvVariables {
		fmt.Fprintf(&b, "Write-Output \"%s==$env:%s==\"\n", name, name)
	}
	fmt.Fprintf(&b, "Write-Output \"%s\"\n", o.ID.End())
	b.WriteString("}\n")
	b.WriteString("function failWith($code) {\n")
	b.WriteString("printInstallResults $code\n")
	b.WriteString("exit $code\n")
	b.WriteString("}\n")

	fmt.Fprintf(&b, "if ($env:PROCESSOR_ARCHITECTURE -eq \"AMD64\") { $serverArch = \"x64\" } elseif ($env:PROCESSOR_ARCHITECTURE -eq \"ARM64\") { $serverArch = \"arm64\" } else { Write-Output \"unsupported architecture: $env:PROCESSOR_ARCHITECTURE\"; failWith %d }\n", exitUnsupportedArch)

	b.WriteString("if (!(Test-Path $serverBin)) {\n")
	b.WriteString("New-Item -ItemType Directory -Force -Path $serverDir | Out-Null\n")
	b.WriteString("$archive = Join-Path $tmpDir \"devlink-server-$commit.zip\"\n")
	fmt.Fprintf(&b, "$url = \"%s\"\n", o.renderURL("windows", "$serverArch"))
	b.WriteString("try {\n")
	b.WriteString("Invoke-WebRequest -Uri $url -OutFile $archive -UseBasicParsing\n")
	b.WriteString("Expand-Archive -Path $archive -DestinationPath $serverDir -Force\n")
	b.WriteString("Remove-Item -Force $archive\n")
	b.WriteString("} catch {\n")
	b.WriteString("Write-Output $_.Exception.Message\n")
	b.WriteString("failWith 1\n")
	b.WriteString("}\n")
	b.WriteString("if (!(Test-Path $serverBin)) { Write-Output \"entry script missing after extraction: $serverBin\"; failWith 1 }\n")
	b.WriteString("}\n")

	// Reuse a live server for this commit.
	b.WriteString("if ((Test-Path $pidFile) -and (Test-Path $tokenFile)) {\n")
	b.WriteString("$serverPid = Get-Content $pidFile\n")
	b.WriteString("$proc = Get-CimInstance Win32_Process -Filter \"ProcessId = $serverPid\" -ErrorAction SilentlyContinue\n")
	b.WriteString("if ($proc -and ($proc.CommandLine -like \"*$commit*\")) {\n")
	b.WriteString("$token = Get-Content $tokenFile\n")
	b.WriteString("$hit = Select-String -Path $logFile -Pattern \"listening on \" -ErrorAction SilentlyContinue | Select-Object -First 1\n")
	b.WriteString("if ($hit) { $listeningOn = $hit.Line -replace \".*listening on \", \"\" }\n")
	b.WriteString("if ($listeningOn) { printInstallResults 0; exit 0 }\n")
	b.WriteString("}\n")
	b.WriteString("}\n")
	b.WriteString("Remove-Item -Force -ErrorAction SilentlyContinue $pidFile, $tokenFile, $logFile, $errFile\n")

	b.WriteString("$token = [guid]::NewGuid().ToString()\n")
	b.WriteString("Set-Content -Path $tokenFile -Value $token\n")
	fmt.Fprintf(&b, "$serverArgs = \"--start-server --host=127.0.0.1 %s%s --connection-token-file `\"$tokenFile`\" --telemetry-level off --enable-remote-auto-shutdown --accept-server-license-terms\"\n", listenFlag, extFlags)
	b.WriteString("$proc = Start-Process -FilePath $serverBin -ArgumentList $serverArgs -WindowStyle Hidden -PassThru -RedirectStandardOutput $logFile -RedirectStandardError $errFile\n")
	b.WriteString("Set-Content -Path $pidFile -Value $proc.Id\n")

	b.WriteString("for ($i = 0; $i -lt 5; $i++) {\n")
	b.WriteString("$hit = Select-String -Path $logFile -Pattern \"listening on \" -ErrorAction SilentlyContinue | Select-Object -First 1\n")
	b.WriteString("if ($hit) { $listeningOn = $hit.Line -replace \".*listening on \", \"\" }\n")
	b.WriteString("if ($listeningOn) { break }\n")
	b.WriteString("Start-Sleep -Milliseconds 500\n")
	b.WriteString("}\n")
	b.WriteString("if (!$listeningOn) {\n")
	b.WriteString("Write-Output \"server did not report a listen address; log follows\"\n")
	b.WriteString("Get-Content $logFile -ErrorAction SilentlyContinue\n")
	b.WriteString("failWith 1\n")
	b.WriteString("}\n")
	b.WriteString("printInstallResults 0\n")

	return b.String()
}
