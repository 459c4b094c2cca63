package nodeagent

import (
	"context"
	"fmt"
	"os"
	goruntime "runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pbnjay/memory"

	"ray-deployer/internal/nodeagent/runtime"
	"ray-deployer/internal/shared/model"
)

// Runner 执行 shell 脚本（runtime.Shell 实现）
type Runner interface {
	Run(ctx context.Context, script string) (*runtime.Result, error)
}

// nvidia-smi 查询字段，顺序与 parseNvidiaSMI 对应
const nvidiaQuery = "nvidia-smi --query-gpu=index,name,driver_version,memory.total,memory.used,memory.free,utilization.gpu --format=csv,noheader,nounits"

// EnvChecker 节点环境探测
type EnvChecker struct {
	nodeID   string
	host     string
	diskPath string
	runner   Runner
	timeout  time.Duration
	now      func() time.Time
}

// NewEnvChecker 创建环境探测器；diskPath 为模型目录，统计其所在文件系统
func NewEnvChecker(nodeID, host, diskPath string, runner Runner, timeout time.Duration) *EnvChecker {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &EnvChecker{nodeID: nodeID, host: host, diskPath: diskPath, runner: runner, timeout: timeout, now: time.Now}
}

// Check 采集一次环境快照
//
// 单项探测失败只影响对应字段，整体仍返回 ONLINE。
func (c *EnvChecker) Check(ctx context.Context) *model.NodeEnvironmentInfo {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	info := &model.NodeEnvironmentInfo{
		NodeID:    c.nodeID,
		IPAddress: c.host,
		Status:    model.EnvOnline,
		OSInfo:    c.osInfo(ctx),
		CPU:       cpuInfo(),
		Memory:    memoryInfo(),
		Disk:      diskInfo(c.diskPath),
		Network:   networkInfo(c.host),
		CheckedAt: c.now(),
	}

	if res, err := c.runner.Run(ctx, "python3 --version 2>&1 || python --version 2>&1"); err == nil && res.Success() {
		info.PythonInstalled = true
		info.PythonVersion = strings.TrimSpace(strings.TrimPrefix(firstLine(res.Output), "Python"))
	}
	if res, err := c.runner.Run(ctx, "ray --version"); err == nil && res.Success() {
		info.RayInstalled = true
		info.RayVersion = parseRayVersion(res.Output)
	}
	if res, err := c.runner.Run(ctx, engineImportCheck); err == nil && res.Success() {
		info.ModelEnginesInstalled = true
	}
	if res, err := c.runner.Run(ctx, nvidiaQuery); err == nil && res.Success() {
		info.GPUs = parseNvidiaSMI(res.Output)
	}
	return info
}

// engineImportCheck 任一推理引擎可导入即视为已安装
const engineImportCheck = `python -c "import vllm" 2>/dev/null || python -c "import text_generation_server" 2>/dev/null || python -c "import ray.serve" 2>/dev/null`

func (c *EnvChecker) osInfo(ctx context.Context) string {
	base := goruntime.GOOS + "/" + goruntime.GOARCH
	if res, err := c.runner.Run(ctx, "uname -sr"); err == nil && res.Success() && res.Output != "" {
		return firstLine(res.Output) + " (" + base + ")"
	}
	return base
}

func cpuInfo() *model.CPUInfo {
	return &model.CPUInfo{
		LogicalCores:  goruntime.NumCPU(),
		Architecture:  goruntime.GOARCH,
		LoadAverage1m: loadAverage(),
	}
}

// loadAverage 读取 /proc/loadavg，非 Linux 返回 0
func loadAverage() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	v, _ := strconv.ParseFloat(fields[0], 64)
	return v
}

func memoryInfo() *model.MemoryInfo {
	total := int64(memory.TotalMemory() >> 20)
	free := int64(memory.FreeMemory() >> 20)
	info := &model.MemoryInfo{TotalMemoryMB: total, FreeMemoryMB: free}
	if total > 0 {
		info.UsedMemoryMB = total - free
		info.MemoryUsage = round2(float64(info.UsedMemoryMB) / float64(total) * 100)
	}
	return info
}

func diskInfo(path string) *model.DiskInfo {
	if path == "" {
		path = "/"
	}
	// 模型目录可能尚未创建，向上找到存在的目录
	for path != "/" && path != "." {
		if _, err := os.Stat(path); err == nil {
			break
		}
		path = parentDir(path)
	}
	total, free, err := diskUsage(path)
	if err != nil {
		return nil
	}
	const gb = 1 << 30
	info := &model.DiskInfo{
		Path:        path,
		TotalDiskGB: int64(total / gb),
		FreeDiskGB:  int64(free / gb),
	}
	info.UsedDiskGB = info.TotalDiskGB - info.FreeDiskGB
	if total > 0 {
		info.DiskUsage = round2(float64(total-free) / float64(total) * 100)
	}
	return info
}

func networkInfo(host string) *model.NetworkInfo {
	hostname, _ := os.Hostname()
	return &model.NetworkInfo{Hostname: hostname, IPAddress: host}
}

// parseNvidiaSMI 解析 nvidiaQuery 的 CSV 输出
//
// 利用率低于 10% 且显存占用低于 10% 记为 IDLE，低于 80% 记为 READY，否则 BUSY。
func parseNvidiaSMI(out string) []model.GPUInfo {
	var gpus []model.GPUInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 7 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		index, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		g := model.GPUInfo{
			Index:         index,
			Name:          fields[1],
			DriverVersion: fields[2],
			TotalMemoryMB: parseInt64(fields[3]),
			UsedMemoryMB:  parseInt64(fields[4]),
			FreeMemoryMB:  parseInt64(fields[5]),
		}
		g.GPUUtilization, _ = strconv.ParseFloat(fields[6], 64)
		if g.TotalMemoryMB > 0 {
			g.MemoryUtilization = round2(float64(g.UsedMemoryMB) / float64(g.TotalMemoryMB) * 100)
		}
		switch {
		case g.GPUUtilization < 10 && g.MemoryUtilization < 10:
			g.Status = model.GPUStatusIdle
		case g.GPUUtilization < 80:
			g.Status = model.GPUStatusReady
		default:
			g.Status = model.GPUStatusBusy
		}
		gpus = append(gpus, g)
	}
	return gpus
}

// parseRayVersion 解析 "ray, version 2.9.0"
func parseRayVersion(out string) string {
	line := firstLine(out)
	if i := strings.LastIndex(line, "version"); i >= 0 {
		return strings.TrimSpace(line[i+len("version"):])
	}
	return strings.TrimSpace(line)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v
}

func round2(v float64) float64 {
	f, _ := strconv.ParseFloat(fmt.Sprintf("%.2f", v), 64)
	return f
}

func parentDir(p string) string {
	p = strings.TrimRight(p, "/")
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}
