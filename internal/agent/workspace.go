package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/lucasnoah/storyfactory/internal/checks"
)

// maxSnapshotBytes bounds how much of a single file is kept in a snapshot.
const maxSnapshotBytes = 64 * 1024

// FileSnapshotter reads files relative to Root. Missing files are left out of the snapshot.
type FileSnapshotter struct {
	Root string
}

func (s *FileSnapshotter) Snapshot(ctx context.Context, files []string) (map[string]string, error) {
	out := make(map[string]string, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path, err := s.resolve(f)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", f, err)
		}
		out[f] = truncateSnapshot(data)
	}
	return out, nil
}

// truncateSnapshot cuts data to maxSnapshotBytes on a rune boundary and notes
// how much was kept.
func truncateSnapshot(data []byte) string {
	if len(data) <= maxSnapshotBytes {
		return string(data)
	}
	cut := maxSnapshotBytes
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return fmt.Sprintf("%s\n... (truncated, %d of %d bytes shown)", data[:cut], cut, len(data))
}

func (s *FileSnapshotter) resolve(f string) (string, error) {
	if filepath.IsAbs(f) {
		return f, nil
	}
	path := filepath.Join(s.Root, f)
	rel, err := filepath.Rel(s.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("snapshot %s: outside workdir", f)
	}
	return path, nil
}

// Rollbacker discards on-disk changes to files after a failed attempt.
type Rollbacker interface {
	Rollback(ctx context.Context, dir string, files []string) error
}

// GitRollbacker restores files from HEAD with git checkout.
type GitRollbacker struct {
	Cmd checks.CommandRunner
}

func (g *GitRollbacker) Rollback(ctx context.Context, dir string, files []string) error {
	if len(files) == 0 {
		return nil
	}
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = shellQuote(f)
	}
	cmd := "git checkout -- " + strings.Join(quoted, " ")
	_, stderr, code, err := g.Cmd.Run(ctx, dir, cmd)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("rollback: git checkout exited %d: %s", code, strings.TrimSpace(stderr))
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
