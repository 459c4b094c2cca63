// Package nodeagent 节点代理
//
// 每台候选机器运行一个节点代理，在 /model 路径下提供环境检查、依赖安装、
// Ray 头节点/工作节点启动、集群状态查询、模型下载与推理服务启动能力，
// 并把自身注册到 etcd 供编排器发现。
package nodeagent

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ResolveNodeID 确定节点 ID：配置 > 主机名 > 机器指纹
//
// 编排器按节点 ID、主机名或元数据匹配实例，主机名是最直观的默认值。
func ResolveNodeID(configured string) string {
	if configured != "" {
		return configured
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return GenerateNodeID()
}

// GenerateNodeID 生成确定性 Node ID
//
// 基于 /etc/machine-id 的 HMAC-SHA256 哈希，同一台机器始终得到相同结果。
// 回退顺序：/etc/machine-id → /var/lib/dbus/machine-id → 主机名 + 首个 MAC → 随机 UUID。
func GenerateNodeID() string {
	const appKey = "ray-deployer-node-id-v1"

	machineID := ""
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			machineID = strings.TrimSpace(string(data))
			if machineID != "" {
				break
			}
		}
	}

	if machineID == "" {
		hostname, _ := os.Hostname()
		mac := firstMACAddress()
		if hostname != "" || mac != "" {
			machineID = hostname + ":" + mac
		}
	}

	if machineID == "" {
		return uuid.NewString()
	}

	h := hmac.New(sha256.New, []byte(appKey))
	h.Write([]byte(machineID))
	sum := h.Sum(nil)

	sum[6] = (sum[6] & 0x0f) | 0x50
	sum[8] = (sum[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", sum[0:4], sum[4:6], sum[6:8], sum[8:10], sum[10:16])
}

// AdvertiseHost 对外地址：配置 > 首个非回环 IPv4 > 主机名
func AdvertiseHost(configured string) string {
	if configured != "" {
		return configured
	}
	if ip := firstIPv4(); ip != "" {
		return ip
	}
	hostname, _ := os.Hostname()
	return hostname
}

func firstMACAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

func firstIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
