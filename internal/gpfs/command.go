package gpfs

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/quotawatch/quotawatch/internal/errors"
)

// Runner executes an external command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands through os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		cmdline := strings.Join(append([]string{name}, args...), " ")
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			cmdline += " (" + msg + ")"
		}
		return nil, &errors.ErrCommand{Command: cmdline, Err: err}
	}
	return out, nil
}

// CommandSource queries quota and fileset metadata with mmrepquota and
// mmlsfileset.
type CommandSource struct {
	MMRepQuota  string
	MMLsFileset string
	// Filesystems limits the fileset listing to these devices.
	Filesystems []string
	Run         Runner
}

// NewCommandSource creates a source that runs the given binaries.
func NewCommandSource(mmrepquota, mmlsfileset string, filesystems []string) *CommandSource {
	return &CommandSource{
		MMRepQuota:  mmrepquota,
		MMLsFileset: mmlsfileset,
		Filesystems: filesystems,
		Run:         ExecRunner,
	}
}

// ListQuota reports user, group and fileset quota for all filesystems.
func (s *CommandSource) ListQuota(ctx context.Context) (map[string]QuotaMap, error) {
	out, err := s.Run(ctx, s.MMRepQuota, "-n", "-Y", "-a")
	if err != nil {
		return nil, err
	}
	return ParseQuota(out)
}

// ListFilesets lists the filesets of every configured filesystem.
func (s *CommandSource) ListFilesets(ctx context.Context) (FilesetIndex, error) {
	ix := make(FilesetIndex)
	for _, fs := range s.Filesystems {
		out, err := s.Run(ctx, s.MMLsFileset, fs, "-Y")
		if err != nil {
			return nil, err
		}
		if err := ParseFilesets(out, ix); err != nil {
			return nil, err
		}
	}
	return ix, nil
}
