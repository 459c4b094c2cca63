package runtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"ray-deployer/internal/nodeagent/probe"
)

// ProcessRuntime 宿主机进程运行时
//
// 服务输出写入 LogDir/<name>.log；进程退出后探针立即返回失败。
type ProcessRuntime struct {
	shell  *Shell
	logDir string

	mu    sync.Mutex
	procs map[string]*process
}

type process struct {
	pid     int
	logPath string
	done    chan struct{}
	err     error
}

// NewProcessRuntime 创建进程运行时
func NewProcessRuntime(shell *Shell, logDir string) *ProcessRuntime {
	if logDir == "" {
		logDir = os.TempDir()
	}
	return &ProcessRuntime{shell: shell, logDir: logDir, procs: make(map[string]*process)}
}

// Name 运行时名称
func (r *ProcessRuntime) Name() string { return KindProcess }

// Start 后台启动引擎进程
func (r *ProcessRuntime) Start(ctx context.Context, spec *ServiceSpec) (*Instance, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("empty service command")
	}
	if err := os.MkdirAll(r.logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	logPath := filepath.Join(r.logDir, sanitize(spec.Name)+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open service log: %w", err)
	}

	// 服务生命周期不跟随请求
	cmd := r.shell.Command(context.Background(), "exec "+ShellJoin(spec.Command))
	cmd.Env = append(cmd.Env, envList(spec.Env)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command[0], err)
	}

	p := &process{pid: cmd.Process.Pid, logPath: logPath, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		logFile.Close()
		close(p.done)
	}()

	id := strconv.Itoa(p.pid)
	r.mu.Lock()
	r.procs[id] = p
	r.mu.Unlock()
	log.Printf("[runtime.process] started %s pid=%d log=%s", spec.Name, p.pid, logPath)

	return &Instance{
		ID:      id,
		Runtime: KindProcess,
		Probe: probe.AllOf(
			&probe.ProcessProbe{Exited: p.done, ExitErr: func() error { return p.err }},
			&probe.PortProbe{Address: fmt.Sprintf("127.0.0.1:%d", spec.Port)},
		),
	}, nil
}

// Stop 结束进程组
func (r *ProcessRuntime) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	p, ok := r.procs[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("process %s not found", id)
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := terminateGroup(p.pid); err != nil {
		return fmt.Errorf("failed to stop process %s: %w", id, err)
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Logs 读取日志文件末尾 tail 行
func (r *ProcessRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	r.mu.Lock()
	p, ok := r.procs[id]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("process %s not found", id)
	}
	data, err := os.ReadFile(p.logPath)
	if err != nil {
		return "", err
	}
	return TailLines(string(data), tail), nil
}

// TailLines 返回最后 n 行
func TailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if n <= 0 || s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func sanitize(name string) string {
	if name == "" {
		return "service"
	}
	return strings.NewReplacer("/", "_", " ", "_", ":", "_").Replace(name)
}
