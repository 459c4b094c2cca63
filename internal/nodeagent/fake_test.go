package nodeagent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"ray-deployer/internal/nodeagent/probe"
	"ray-deployer/internal/nodeagent/runtime"
)

// fakeRunner 按脚本子串返回预设结果；未匹配时返回 127
type fakeRunner struct {
	mu      sync.Mutex
	rules   []runnerRule
	scripts []string
}

type runnerRule struct {
	match string
	res   *runtime.Result
	err   error
}

func newFakeRunner() *fakeRunner { return &fakeRunner{} }

func (f *fakeRunner) on(match string, exitCode int, output string) *fakeRunner {
	f.rules = append(f.rules, runnerRule{match: match, res: &runtime.Result{ExitCode: exitCode, Output: output}})
	return f
}

func (f *fakeRunner) onError(match string, err error) *fakeRunner {
	f.rules = append(f.rules, runnerRule{match: match, err: err})
	return f
}

func (f *fakeRunner) Run(ctx context.Context, script string) (*runtime.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, script)
	for _, r := range f.rules {
		if strings.Contains(script, r.match) {
			if r.err != nil {
				return nil, r.err
			}
			res := *r.res
			return &res, nil
		}
	}
	return &runtime.Result{ExitCode: 127, Output: "command not found"}, nil
}

func (f *fakeRunner) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scripts...)
}

// fakeRuntime 内存中的推理服务运行时
type fakeRuntime struct {
	mu       sync.Mutex
	started  []*runtime.ServiceSpec
	stopped  []string
	probe    probe.ReadinessProbe
	logs     string
	startErr error
	seq      int
}

func (r *fakeRuntime) Name() string { return "fake" }

func (r *fakeRuntime) Start(ctx context.Context, spec *runtime.ServiceSpec) (*runtime.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.seq++
	r.started = append(r.started, spec)
	p := r.probe
	if p == nil {
		p = probe.Func(func(context.Context) (bool, error) { return true, nil })
	}
	return &runtime.Instance{ID: fmt.Sprintf("svc-%d", r.seq), Runtime: "fake", Probe: p}, nil
}

func (r *fakeRuntime) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, id)
	return nil
}

func (r *fakeRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	return r.logs, nil
}
