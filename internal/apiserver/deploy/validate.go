package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
	"github.com/oasdiff/yaml"

	"ray-deployer/api"
)

// RequestValidator 按 OpenAPI 定义校验请求
//
// 只覆盖接口定义中出现的路由，其他路径直接放行。
type RequestValidator struct {
	doc    *openapi3.T
	router routers.Router
}

// NewRequestValidator 加载并校验嵌入的接口定义
func NewRequestValidator() (*RequestValidator, error) {
	return newRequestValidator(api.DeployerSpec)
}

func newRequestValidator(data []byte) (*RequestValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load openapi document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to build openapi router: %w", err)
	}
	return &RequestValidator{doc: doc, router: router}, nil
}

// Validate 校验单个请求；请求体校验后会被还原，后续处理器可再次读取
func (v *RequestValidator) Validate(ctx context.Context, r *http.Request) error {
	route, pathParams, err := v.router.FindRoute(r)
	if err != nil {
		var routeErr *routers.RouteError
		if errors.As(err, &routeErr) {
			return nil
		}
		return err
	}
	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	}
	return openapi3filter.ValidateRequest(ctx, input)
}

// Middleware 校验失败时返回 400
func (v *RequestValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.Validate(r.Context(), r); err != nil {
			writeError(w, http.StatusBadRequest, validationMessage(err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SpecJSON 以 JSON 形式返回接口定义
func SpecJSON() ([]byte, error) {
	return yaml.YAMLToJSON(api.DeployerSpec)
}

// validationMessage 压缩 kin-openapi 的多行错误
func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.Reason
		if reqErr.Parameter != nil {
			msg = fmt.Sprintf("parameter %q: %s", reqErr.Parameter.Name, reqErr.Reason)
		}
		if reqErr.Err != nil {
			if msg != "" {
				msg += ": "
			}
			msg += firstLine(reqErr.Err.Error())
		}
		return "invalid deployment request: " + msg
	}
	return "invalid deployment request: " + firstLine(err.Error())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
