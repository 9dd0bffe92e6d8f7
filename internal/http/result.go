package httpapi

// Result 统一响应包
// - code: 2000 成功, -1 失败
// - type: 'success' | 'error'
// - message: string
// - result: any
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

const (
	ResultSuccess = 2000
	ResultError   = -1
)

func Ok[T any](result T) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result}
}

func Fail(message string) Result[any] {
	return Result[any]{Code: ResultError, Type: "error", Message: message, Result: nil}
}

// FailWith carries a body alongside the error, e.g. the current snapshot of a stale write.
func FailWith(message string, result any) Result[any] {
	return Result[any]{Code: ResultError, Type: "error", Message: message, Result: result}
}
