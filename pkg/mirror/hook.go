package mirror

import (
	"context"
	"log/slog"
	"os"
	"os/exec"

	"github.com/dustin/go-humanize"
)

// postHook runs the configured postmirror script. Its exit code is logged
// but never changes the run result.
func (r *Runner) postHook(ctx context.Context, runErr error) {
	if !r.cfg.RunPostmirror {
		return
	}

	script := r.cfg.PostmirrorScript
	info, err := os.Stat(script)
	if err != nil {
		slog.Warn("postmirror script not found, skipping", slog.String("script", script))
		return
	}

	var cmd *exec.Cmd
	if info.Mode()&0o111 != 0 {
		cmd = exec.CommandContext(ctx, script)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", script)
	}

	result := "ok"
	if runErr != nil {
		result = "failed"
	}
	cmd.Env = append(os.Environ(),
		"APT_MIRROR_MIRROR_PATH="+r.layout.Mirror,
		"APT_MIRROR_SKEL_PATH="+r.layout.Skel,
		"APT_MIRROR_VAR_PATH="+r.layout.Var,
		"APT_MIRROR_RESULT="+result,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	slog.Info("running postmirror script", slog.String("script", script))
	if err := cmd.Run(); err != nil {
		slog.Warn("postmirror script failed", slog.String("error", err.Error()))
	}
}

func humanBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
