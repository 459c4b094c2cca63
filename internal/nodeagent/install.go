package nodeagent

import (
	"context"
	"fmt"
	goruntime "runtime"
	"strings"
	"time"

	"ray-deployer/internal/config"
	"ray-deployer/internal/nodeagent/runtime"
	"ray-deployer/internal/shared/model"
)

// 安装失败时错误信息中保留的输出行数
const installOutputTail = 20

// Installer 环境依赖安装
//
// 依次执行 Miniconda、Ray、推理引擎三步，前一步失败后不再继续。
type Installer struct {
	cfg     config.AgentConfig
	runner  Runner
	goos    string
	goarch  string
	timeout time.Duration
}

// NewInstaller 创建安装器
func NewInstaller(cfg config.AgentConfig, runner Runner) *Installer {
	return &Installer{cfg: cfg, runner: runner, goos: goruntime.GOOS, goarch: goruntime.GOARCH, timeout: cfg.InstallTimeout}
}

type installStep struct {
	name   string
	script string
	done   func(res *model.InstallResult)
}

// Install 按请求安装依赖
func (i *Installer) Install(ctx context.Context, req model.InstallRequest) *model.InstallResult {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	res := &model.InstallResult{Success: true}
	var details []string
	for _, step := range i.plan(req) {
		out, err := i.runner.Run(ctx, step.script)
		if err != nil || !out.Success() {
			res.Success = false
			res.ErrorMessage = stepFailure(step.name, out, err)
			details = append(details, step.name+": failed")
			break
		}
		step.done(res)
		details = append(details, fmt.Sprintf("%s: ok (%s)", step.name, out.Duration.Round(time.Second)))
	}
	res.Details = strings.Join(details, "; ")
	return res
}

func (i *Installer) plan(req model.InstallRequest) []installStep {
	var steps []installStep
	if req.InstallMiniconda {
		steps = append(steps, installStep{
			name:   "miniconda",
			script: i.minicondaScript(),
			done:   func(r *model.InstallResult) { r.MinicondaInstalled = true },
		})
	}
	if req.InstallRay {
		steps = append(steps, installStep{
			name:   "ray",
			script: i.pip(`"ray[default,serve]"`),
			done:   func(r *model.InstallResult) { r.RayInstalled = true },
		})
	}
	if req.InstallModelEngines {
		steps = append(steps, installStep{
			name:   "model-engines",
			script: i.pip(strings.Join(i.enginePackages(), " ")),
			done:   func(r *model.InstallResult) { r.ModelEnginesInstalled = true },
		})
	}
	return steps
}

// minicondaScript 安装 Miniconda 并创建工作环境；已存在时跳过
func (i *Installer) minicondaScript() string {
	home := i.cfg.CondaHome
	if home == "" {
		home = "$HOME/miniconda3"
	}
	url := i.cfg.MinicondaInstaller
	if url == "" {
		url = minicondaURL(i.goos, i.goarch)
	}
	env := i.cfg.CondaEnv
	if env == "" {
		env = "ray"
	}
	return fmt.Sprintf(`set -e
if [ ! -x "%[1]s/bin/conda" ]; then
  curl -fsSL -o /tmp/miniconda.sh %[2]s
  bash /tmp/miniconda.sh -b -p "%[1]s"
  rm -f /tmp/miniconda.sh
fi
"%[1]s/bin/conda" env list | grep -q "^%[3]s " || "%[1]s/bin/conda" create -y -n %[3]s python=3.10`,
		home, runtime.ShellQuote(url), env)
}

func (i *Installer) pip(packages string) string {
	cmd := "python -m pip install -U " + packages
	if i.cfg.PipIndexURL != "" {
		cmd += " -i " + runtime.ShellQuote(i.cfg.PipIndexURL)
	}
	return cmd
}

// enginePackages 推理引擎依赖；macOS 上 vLLM 没有预编译包，只装 CPU 推理所需
func (i *Installer) enginePackages() []string {
	if i.goos == "darwin" {
		return []string{"torch", "transformers", "accelerate"}
	}
	return []string{"vllm", "transformers", "accelerate"}
}

func minicondaURL(goos, goarch string) string {
	osName := "Linux"
	if goos == "darwin" {
		osName = "MacOSX"
	}
	arch := "x86_64"
	if goarch == "arm64" {
		arch = "aarch64"
		if goos == "darwin" {
			arch = "arm64"
		}
	}
	return fmt.Sprintf("https://repo.anaconda.com/miniconda/Miniconda3-latest-%s-%s.sh", osName, arch)
}

func stepFailure(step string, out *runtime.Result, err error) string {
	if err != nil {
		return fmt.Sprintf("%s install failed: %v", step, err)
	}
	msg := fmt.Sprintf("%s install failed with exit code %d", step, out.ExitCode)
	if tail := runtime.TailLines(out.Output, installOutputTail); tail != "" {
		msg += ": " + tail
	}
	return msg
}
