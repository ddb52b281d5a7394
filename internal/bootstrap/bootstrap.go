// Package bootstrap installs and starts the headless server on a remote
// authority over an established session, and parses the connection
// descriptor it reports back.
//
// One script is generated per attempt, shaped for the detected shell. All
// results travel through a marker-delimited key/value block on stdout, so a
// noisy login shell or motd cannot corrupt parsing. Attempts against the
// same authority are serialized; the script itself is idempotent and reuses
// a live server for the same commit.
package bootstrap

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/antonkrylov/devlink/internal/session"
	"github.com/antonkrylov/devlink/internal/shell"
)

type Protocol struct {
	sessions *session.Manager
	log      *zap.Logger
}

func New(sessions *session.Manager, log *zap.Logger) *Protocol {
	if log == nil {
		log = zap.NewNop()
	}
	return &Protocol{sessions: sessions, log: log}
}

// Install runs one bootstrap attempt on s using the shell detection det.
// Safe to call repeatedly with the same options: a live server for the same
// commit is reused, never duplicated. Attempts per authority are serialized
// so concurrent callers cannot race the pid/token files.
func (p *Protocol) Install(ctx context.Context, s *session.Session, det shell.Detection, opts InstallOptions) (*InstallResult, error) {
	opts = opts.Normalize()

	var res *InstallResult
	err := p.sessions.Serialize(s.Authority.Authority, func() error {
		var err error
		res, err = p.install(ctx, s, det, opts)
		return err
	})
	return res, err
}

func (p *Protocol) install(ctx context.Context, s *session.Session, det shell.Detection, opts InstallOptions) (*InstallResult, error) {
	log := p.log.With(
		zap.String("authority", s.Authority.Authority.String()),
		zap.String("shell", det.Variant.String()),
		zap.String("commit", opts.Commit),
	)

	var stdout, stderr string
	switch det.Variant {
	case shell.VariantCmd:
		command, err := cmdCommand(opts)
		if err != nil {
			return nil, err
		}
		log.Debug("running install command", zap.Int("commandLen", len(command)))
		out, err := s.ExecUntil(ctx, command, func(acc string) bool {
			return strings.Contains(acc, opts.ID.End())
		})
		if err != nil {
			return nil, err
		}
		stdout = out

	case shell.VariantPowerShell:
		log.Debug("running install script via stdin")
		r, err := s.ExecStdin(ctx, powershellCommand(), powershellStdin(opts, powershellScript(opts)))
		if err != nil {
			return nil, err
		}
		stdout, stderr = r.Stdout, r.Stderr

	default:
		log.Debug("running install script")
		r, err := s.Exec(ctx, posixCommand(posixScript(opts)))
		if err != nil {
			return nil, err
		}
		stdout, stderr = r.Stdout, r.Stderr
	}

	res, err := resultFromOutput(opts, stdout, stderr)
	if err != nil {
		log.Warn("install failed", zap.Error(err))
		return nil, err
	}
	log.Info("server ready",
		zap.String("listeningOn", res.ListeningOn),
		zap.String("platform", res.Platform),
		zap.String("arch", res.Arch),
	)
	return res, nil
}

func resultFromOutput(opts InstallOptions, stdout, stderr string) (*InstallResult, error) {
	pairs, err := ParseBlock(opts.ID, stdout)
	if err != nil {
		return nil, err
	}
	code, err := strconv.Atoi(pairs["exitCode"])
	if err != nil {
		return nil, &InstallError{Kind: ErrParse, ExitCode: -1, Stdout: stdout, Stderr: stderr}
	}
	switch {
	case code == exitUnsupportedPlatform:
		return nil, &InstallError{Kind: ErrUnsupportedPlatform, ExitCode: code, Stdout: stdout, Stderr: stderr}
	case code == exitUnsupportedArch:
		return nil, &InstallError{Kind: ErrUnsupportedArch, ExitCode: code, Stdout: stdout, Stderr: stderr}
	case code != 0:
		return nil, &InstallError{Kind: ErrInstallFailed, ExitCode: code, Stdout: stdout, Stderr: stderr}
	}
	if pairs["listeningOn"] == "" {
		return nil, &InstallError{Kind: ErrParse, ExitCode: code, Stdout: stdout, Stderr: stderr}
	}

	res := &InstallResult{
		ExitCode:        code,
		ListeningOn:     pairs["listeningOn"],
		ConnectionToken: pairs["connectionToken"],
		LogFile:         pairs["logFile"],
		OSReleaseID:     pairs["osReleaseId"],
		Arch:            pairs["arch"],
		Platform:        pairs["platform"],
		TmpDir:          pairs["tmpDir"],
	}
	if len(opts.EnvVariables) > 0 {
		res.Env = map[string]string{}
		for _, name := range opts.EnvVariables {
			if v, ok := pairs[name]; ok {
				res.Env[name] = v
			}
		}
	}
	return res, nil
}
