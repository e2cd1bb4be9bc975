package transport

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
)

// ErrMissingNext 表示中间件调用链缺失下游处理器。
var ErrMissingNext = errors.New("transport: next handler is nil")

// Handler 执行一次 HTTP 往返。
type Handler func(ctx context.Context, req *http.Request) (*http.Response, error)

// Middleware 拦截每一次出站请求。
type Middleware interface {
	// Name 返回中间件名称。
	Name() string
	// Priority 返回优先级（越大越靠外层）。
	Priority() int
	// Handle 处理请求并决定是否调用 next。
	Handle(ctx context.Context, req *http.Request, next Handler) (*http.Response, error)
}

// MiddlewareFunc 把普通函数包装为 Middleware。
type MiddlewareFunc struct {
	name     string
	priority int
	fn       func(ctx context.Context, req *http.Request, next Handler) (*http.Response, error)
}

// NewMiddleware 构造一个函数式中间件。
func NewMiddleware(name string, priority int, fn func(ctx context.Context, req *http.Request, next Handler) (*http.Response, error)) *MiddlewareFunc {
	return &MiddlewareFunc{name: name, priority: priority, fn: fn}
}

func (m *MiddlewareFunc) Name() string  { return m.name }
func (m *MiddlewareFunc) Priority() int { return m.priority }

func (m *MiddlewareFunc) Handle(ctx context.Context, req *http.Request, next Handler) (*http.Response, error) {
	if next == nil {
		return nil, ErrMissingNext
	}
	if m.fn == nil {
		return next(ctx, req)
	}
	return m.fn(ctx, req, next)
}

// Stack 维护洋葱模型的中间件执行链，优先级大者越靠外层。
type Stack struct {
	mu          sync.RWMutex
	middlewares []Middleware
}

// NewStack 创建一个中间件栈。
func NewStack(mws ...Middleware) *Stack {
	s := &Stack{middlewares: make([]Middleware, 0, len(mws))}
	for _, mw := range mws {
		s.Use(mw)
	}
	return s
}

// Use 注册中间件；同名中间件会被替换。
func (s *Stack) Use(mw Middleware) {
	if mw == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.middlewares {
		if existing.Name() == mw.Name() {
			s.middlewares = append(s.middlewares[:i], s.middlewares[i+1:]...)
			break
		}
	}
	s.middlewares = append(s.middlewares, mw)
	sort.SliceStable(s.middlewares, func(i, j int) bool {
		return s.middlewares[i].Priority() < s.middlewares[j].Priority()
	})
}

// Remove 通过名称移除一个中间件，存在则返回 true。
func (s *Stack) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, mw := range s.middlewares {
		if mw.Name() == name {
			s.middlewares = append(s.middlewares[:i], s.middlewares[i+1:]...)
			return true
		}
	}
	return false
}

// List 返回按执行顺序（外层到内层）的中间件名称。
func (s *Stack) List() []string {
	mws := s.snapshot()
	names := make([]string, len(mws))
	for i := range mws {
		names[len(mws)-1-i] = mws[i].Name()
	}
	return names
}

// Execute 构建调用链并运行。
func (s *Stack) Execute(ctx context.Context, req *http.Request, final Handler) (*http.Response, error) {
	if final == nil {
		return nil, ErrMissingNext
	}
	handler := final
	for _, mw := range s.snapshot() {
		mw := mw
		next := handler
		handler = func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return mw.Handle(ctx, req, next)
		}
	}
	return handler(ctx, req)
}

func (s *Stack) snapshot() []Middleware {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cloned := make([]Middleware, len(s.middlewares))
	copy(cloned, s.middlewares)
	return cloned
}
