package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Result 命令执行结果
type Result struct {
	ExitCode int
	Output   string // stdout + stderr
	Duration time.Duration
}

// Success 退出码为 0
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Shell 在 conda 环境中执行 bash 脚本
//
// CondaHome 下存在 etc/profile.d/conda.sh 时先激活 CondaEnv，否则直接使用系统 PATH。
type Shell struct {
	CondaHome string
	CondaEnv  string
	Env       []string // 追加的环境变量（KEY=VALUE）
}

// Prelude 返回脚本前置的环境激活语句
func (s *Shell) Prelude() string {
	home := expandHome(s.CondaHome)
	if home == "" {
		return ""
	}
	script := filepath.Join(home, "etc", "profile.d", "conda.sh")
	var b strings.Builder
	fmt.Fprintf(&b, "export PATH=%s:$PATH; ", shellQuote(filepath.Join(home, "bin")))
	fmt.Fprintf(&b, "if [ -f %s ]; then . %s", shellQuote(script), shellQuote(script))
	if s.CondaEnv != "" {
		fmt.Fprintf(&b, " && conda activate %s >/dev/null 2>&1", shellQuote(s.CondaEnv))
	}
	b.WriteString("; fi; ")
	return b.String()
}

// Command 构造 bash -c 命令（不启动）
func (s *Shell) Command(ctx context.Context, script string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", s.Prelude()+script)
	cmd.Env = append(os.Environ(), s.Env...)
	setProcessGroup(cmd)
	return cmd
}

// Run 执行脚本并等待结束
//
// 非零退出码不视为错误，由调用方根据 ExitCode 判断；只有无法启动或超时才返回 error。
func (s *Shell) Run(ctx context.Context, script string) (*Result, error) {
	start := time.Now()
	cmd := s.Command(ctx, script)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := &Result{Output: strings.TrimSpace(out.String()), Duration: time.Since(start)}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("command timed out after %s: %w", res.Duration.Round(time.Second), ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("failed to run command: %w", err)
}

// ShellQuote 单引号转义，拼接命令行时使用
func ShellQuote(s string) string {
	return shellQuote(s)
}

// ShellJoin 将参数列表转为可安全执行的命令行
func ShellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == ':' || r == '=' || r == ',' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func expandHome(p string) string {
	if p == "" {
		return ""
	}
	if strings.HasPrefix(p, "~/") || strings.HasPrefix(p, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		p = strings.TrimPrefix(strings.TrimPrefix(p, "$HOME"), "~")
		return filepath.Join(home, p)
	}
	return p
}
