// Package devserver is an in-memory Reborn backend for local development and
// integration tests. It speaks the same HTTP contract as the production API:
// phone login, bearer auth, streamed chat, profile and reminders.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxBodyBytes    = int64(1 << 20) // 1 MiB
	defaultShutdownTimeout = 10 * time.Second
	maxInsights            = 5
)

// Options configures a Server.
type Options struct {
	// Debug echoes verification codes in the send-code response.
	Debug bool
	// StrictCodes requires the code issued by send-code; otherwise any six
	// digits are accepted.
	StrictCodes bool
	Responder   Responder
	// ChunkDelay paces streamed chunks.
	ChunkDelay time.Duration
	Questions  []string
	Logger     *zap.Logger
	Rand       *rand.Rand
	Now        func() time.Time
}

// Server holds all users in memory.
type Server struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	codes  map[string]string
	tokens map[string]string
	users  map[string]*user
	rnd    *rand.Rand
}

type user struct {
	phone    string
	messages []Message
	profile  profile
}

type profile struct {
	AntiVision        *string  `json:"anti_vision"`
	Vision            *string  `json:"vision"`
	IdentityStatement *string  `json:"identity_statement"`
	CurrentStage      string   `json:"current_stage"`
	KeyInsights       []string `json:"key_insights"`
}

// New builds a Server with defaults for unset options.
func New(opts Options) *Server {
	if opts.Responder == nil {
		opts.Responder = ReflectResponder{}
	}
	if len(opts.Questions) == 0 {
		opts.Questions = DailyQuestions
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		opts:   opts,
		logger: opts.Logger,
		codes:  make(map[string]string),
		tokens: make(map[string]string),
		users:  make(map[string]*user),
		rnd:    opts.Rand,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("devserver: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("devserver listening", zap.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("devserver: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("devserver: shutdown: %w", err)
		}
		s.logger.Info("devserver stopped")
		return nil
	})
	return g.Wait()
}

func (s *Server) issueCode(phone string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := fmt.Sprintf("%06d", s.rnd.IntN(1_000_000))
	s.codes[phone] = code
	return code
}

// verify consumes the pending code for phone and returns a new token.
func (s *Server) verify(phone, code string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.StrictCodes {
		want, ok := s.codes[phone]
		if !ok || want != code {
			return "", false
		}
	}
	delete(s.codes, phone)
	if _, ok := s.users[phone]; !ok {
		s.users[phone] = &user{phone: phone, profile: profile{CurrentStage: stageNewUser}}
	}
	token := uuid.NewString()
	s.tokens[token] = phone
	return token, true
}

// authenticate resolves the bearer token of r to a phone number.
func (s *Server) authenticate(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	phone, ok := s.tokens[strings.TrimSpace(token)]
	return phone, ok
}

// Revoke invalidates token, as an expired JWT would be.
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// History returns a copy of the stored conversation of phone.
func (s *Server) History(phone string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[phone]
	if !ok {
		return nil
	}
	return append([]Message(nil), u.messages...)
}

func (s *Server) withUser(phone string, fn func(u *user)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[phone]
	if !ok {
		u = &user{phone: phone, profile: profile{CurrentStage: stageNewUser}}
		s.users[phone] = u
	}
	fn(u)
}

func (s *Server) question() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Questions[s.rnd.IntN(len(s.opts.Questions))]
}

// schedule picks count sorted minutes within [start, end) of today.
func (s *Server) schedule(count, start, end int) []scheduleItem {
	now := s.opts.Now()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	total := (end - start) * 60

	s.mu.Lock()
	minutes := make([]int, count)
	for i := range minutes {
		minutes[i] = start*60 + s.rnd.IntN(total)
	}
	s.mu.Unlock()
	slices.Sort(minutes)

	items := make([]scheduleItem, 0, count)
	for _, m := range minutes {
		at := day.Add(time.Duration(m) * time.Minute)
		items = append(items, scheduleItem{
			ScheduledTime: at.Format("2006-01-02T15:04:05"),
			Question:      s.question(),
		})
	}
	return items
}
