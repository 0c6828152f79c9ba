package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/jingyi7777/adapt-seq-design/internal/domain"
)

// DockerExecutor runs each invocation inside a throwaway container. The
// working directory and every extra mount are bind-mounted at the same path
// so output paths resolve identically inside and outside. The device
// selector becomes --gpus.
type DockerExecutor struct {
	dockerBin string
	imageRef  string
	mounts    []string
	proc      *ProcessExecutor
}

// NewDockerExecutor wraps proc. Relative mounts are taken relative to each
// invocation's working directory.
func NewDockerExecutor(dockerBin, imageRef string, mounts []string, proc *ProcessExecutor) (*DockerExecutor, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	imageRef = strings.TrimSpace(imageRef)
	if imageRef == "" {
		return nil, errors.New("image ref is required")
	}
	if proc == nil {
		return nil, errors.New("process executor is required")
	}
	var kept []string
	for _, m := range mounts {
		if m = strings.TrimSpace(m); m != "" {
			kept = append(kept, m)
		}
	}
	return &DockerExecutor{dockerBin: dockerBin, imageRef: imageRef, mounts: kept, proc: proc}, nil
}

func (e *DockerExecutor) Kind() string {
	return "docker"
}

func (e *DockerExecutor) Run(ctx context.Context, inv domain.Invocation) (Result, error) {
	args, err := e.dockerArgs(inv)
	if err != nil {
		return Result{}, err
	}
	wrapped := domain.Invocation{
		Name:    inv.Name,
		Program: e.dockerBin,
		Args:    args,
		Dir:     inv.Dir,
		LogPath: inv.LogPath,
	}
	return e.proc.Run(ctx, wrapped)
}

func (e *DockerExecutor) dockerArgs(inv domain.Invocation) ([]string, error) {
	if strings.TrimSpace(inv.Program) == "" {
		return nil, fmt.Errorf("%w: program is required", ErrEnvironment)
	}
	workDir := inv.Dir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("%w: resolve working dir: %v", ErrEnvironment, err)
		}
		workDir = wd
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve working dir: %v", ErrEnvironment, err)
	}

	args := []string{
		"run",
		"--rm",
		"--name", "adapt-" + uuid.NewString()[:8],
		"--volume", workDir + ":" + workDir,
	}
	for _, m := range volumes(workDir, e.mounts) {
		args = append(args, "--volume", m+":"+m)
	}
	args = append(args, "--workdir", workDir)
	for _, key := range inv.EnvKeys() {
		if key == domain.DeviceEnvKey {
			continue
		}
		args = append(args, "--env", key+"="+inv.Env[key])
	}
	if device := strings.TrimSpace(inv.Env[domain.DeviceEnvKey]); device != "" {
		args = append(args, "--gpus", "device="+device)
	}
	args = append(args, e.imageRef, inv.Program)
	args = append(args, inv.Args...)
	return args, nil
}

// volumes returns the absolute mounts not already covered by workDir or by
// another mount, in input order.
func volumes(workDir string, mounts []string) []string {
	covered := []string{workDir}
	var out []string
	for _, m := range mounts {
		if !filepath.IsAbs(m) {
			m = filepath.Join(workDir, m)
		}
		m = filepath.Clean(m)
		if within(m, covered) {
			continue
		}
		kept := out[:0]
		for _, o := range out {
			if !within(o, []string{m}) {
				kept = append(kept, o)
			}
		}
		out = append(kept, m)
		covered = append([]string{workDir}, out...)
	}
	return out
}

func within(path string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
