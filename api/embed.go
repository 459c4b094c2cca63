// Package api 嵌入 OpenAPI 接口定义
package api

import _ "embed"

// DeployerSpec 部署编排器 HTTP 接口定义（OpenAPI 3.0）
//
//go:embed openapi/deployer.yaml
var DeployerSpec []byte
