// Package middleware wraps the callee's method invocation in an onion of handlers.
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"
	"reflect"

	"github.com/google/uuid"

	"stubrpc/message"
)

// Invocation is one RunMethod about to be executed on a callee instance.
type Invocation struct {
	Handle uuid.UUID
	CallID uuid.UUID
	Type   string // callee type name
	Method string
	Args   []reflect.Value
}

type HandlerFunc func(ctx context.Context, inv *Invocation) *message.Outcome

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
