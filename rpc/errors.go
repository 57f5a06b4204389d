package rpc

import (
	"errors"
	"fmt"

	"github.com/legamerdc/tinyrpc/protocol"
)

// Error 把 (code, info) 包装成 error，Code 取自 protocol 的错误码
type Error struct {
	Code int32
	Info string
}

func NewError(code int32, info string) *Error {
	return &Error{Code: code, Info: info}
}

func (e *Error) Error() string {
	if text := protocol.CodeText(e.Code); text != "" && text != e.Info {
		return fmt.Sprintf("rpc: %s (code %d): %s", text, e.Code, e.Info)
	}
	return fmt.Sprintf("rpc: code %d: %s", e.Code, e.Info)
}

// Code 返回 err 携带的错误码，nil 为 0，非 *Error 为 -1
func Code(err error) int32 {
	if err == nil {
		return protocol.CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return -1
}
