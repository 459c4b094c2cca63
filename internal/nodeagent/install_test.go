package nodeagent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ray-deployer/internal/config"
	"ray-deployer/internal/shared/model"
)

func newTestInstaller(runner Runner) *Installer {
	inst := NewInstaller(config.DefaultAgentConfig(), runner)
	inst.goos = "linux"
	inst.goarch = "amd64"
	return inst
}

func TestInstall_AllSteps(t *testing.T) {
	runner := newFakeRunner().
		on("miniconda", 0, "").
		on("ray[default,serve]", 0, "Successfully installed ray-2.9.0").
		on("vllm", 0, "")

	res := newTestInstaller(runner).Install(context.Background(), model.InstallRequest{
		InstallMiniconda: true, InstallRay: true, InstallModelEngines: true,
	})

	assert.True(t, res.Success)
	assert.True(t, res.MinicondaInstalled)
	assert.True(t, res.RayInstalled)
	assert.True(t, res.ModelEnginesInstalled)
	assert.Empty(t, res.ErrorMessage)
	assert.Len(t, runner.ran(), 3)
}

func TestInstall_StopsAtFirstFailure(t *testing.T) {
	runner := newFakeRunner().
		on("ray[default,serve]", 1, "ERROR: Could not find a version that satisfies the requirement ray").
		on("vllm", 0, "")

	res := newTestInstaller(runner).Install(context.Background(), model.InstallRequest{
		InstallRay: true, InstallModelEngines: true,
	})

	assert.False(t, res.Success)
	assert.False(t, res.RayInstalled)
	assert.False(t, res.ModelEnginesInstalled)
	assert.Contains(t, res.ErrorMessage, "ray install failed with exit code 1")
	assert.Contains(t, res.ErrorMessage, "Could not find a version")
	assert.Len(t, runner.ran(), 1)
	assert.Contains(t, res.Details, "ray: failed")
}

func TestInstall_RunnerError(t *testing.T) {
	runner := newFakeRunner().onError("ray[default,serve]", errors.New("context deadline exceeded"))

	res := newTestInstaller(runner).Install(context.Background(), model.InstallRequest{InstallRay: true})

	assert.False(t, res.Success)
	assert.Equal(t, "ray install failed: context deadline exceeded", res.ErrorMessage)
}

func TestInstall_NothingRequested(t *testing.T) {
	runner := newFakeRunner()
	res := newTestInstaller(runner).Install(context.Background(), model.InstallRequest{})

	assert.True(t, res.Success)
	assert.Empty(t, runner.ran())
}

func TestInstall_PipIndexURL(t *testing.T) {
	cfg := config.DefaultAgentConfig()
	cfg.PipIndexURL = "https://pypi.tuna.tsinghua.edu.cn/simple"
	runner := newFakeRunner().on("pip install", 0, "")

	NewInstaller(cfg, runner).Install(context.Background(), model.InstallRequest{InstallRay: true})

	scripts := runner.ran()
	require.Len(t, scripts, 1)
	assert.True(t, strings.HasSuffix(scripts[0], "-i https://pypi.tuna.tsinghua.edu.cn/simple"), scripts[0])
}

func TestEnginePackages(t *testing.T) {
	inst := newTestInstaller(newFakeRunner())
	assert.Contains(t, inst.enginePackages(), "vllm")

	inst.goos = "darwin"
	assert.NotContains(t, inst.enginePackages(), "vllm")
	assert.Contains(t, inst.enginePackages(), "torch")
}

func TestMinicondaURL(t *testing.T) {
	assert.Equal(t, "https://repo.anaconda.com/miniconda/Miniconda3-latest-Linux-x86_64.sh", minicondaURL("linux", "amd64"))
	assert.Equal(t, "https://repo.anaconda.com/miniconda/Miniconda3-latest-Linux-aarch64.sh", minicondaURL("linux", "arm64"))
	assert.Equal(t, "https://repo.anaconda.com/miniconda/Miniconda3-latest-MacOSX-arm64.sh", minicondaURL("darwin", "arm64"))
}
