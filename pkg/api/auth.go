package api

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/godeps/reborn-go/pkg/auth"
	"github.com/godeps/reborn-go/pkg/transport"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidPhone rejects anything but an 11 digit mobile number.
	ErrInvalidPhone = errors.New("api: phone must be 11 digits")
	// ErrInvalidCode rejects anything but a 6 digit verification code.
	ErrInvalidCode = errors.New("api: code must be 6 digits")
	// ErrCooldown is returned when a code was requested too recently.
	ErrCooldown = errors.New("api: verification code requested too recently")
	// ErrNoSession indicates the client was built without an auth session.
	ErrNoSession = errors.New("api: no auth session")
)

var (
	phonePattern = regexp.MustCompile(`^\d{11}$`)
	codePattern  = regexp.MustCompile(`^\d{6}$`)
)

// DefaultCodeCooldown matches the resend countdown of the login screen.
const DefaultCodeCooldown = 60 * time.Second

// SendCodeResult is the reply to a code request. Code is only populated by
// backends running in debug mode.
type SendCodeResult struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// AuthOption customises an AuthService.
type AuthOption func(*AuthService)

// WithCodeCooldown overrides DefaultCodeCooldown; zero disables throttling.
func WithCodeCooldown(d time.Duration) AuthOption {
	return func(s *AuthService) {
		if d >= 0 {
			s.cooldown = d
		}
	}
}

// AuthService implements the phone/code login flow.
type AuthService struct {
	client  *transport.Client
	session *auth.Session

	mu       sync.Mutex
	cooldown time.Duration
	limiters map[string]*rate.Limiter
}

func NewAuthService(client *transport.Client, opts ...AuthOption) *AuthService {
	s := &AuthService{
		client:   client,
		session:  client.Session(),
		cooldown: DefaultCodeCooldown,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendCode asks the backend to text a verification code to phone. Requests
// for the same phone are throttled to one per cooldown; a failed request
// does not consume the allowance.
func (s *AuthService) SendCode(ctx context.Context, phone string) (SendCodeResult, error) {
	phone = strings.TrimSpace(phone)
	if !phonePattern.MatchString(phone) {
		return SendCodeResult{}, ErrInvalidPhone
	}
	if lim := s.limiter(phone); lim != nil && !lim.Allow() {
		return SendCodeResult{}, ErrCooldown
	}

	var out SendCodeResult
	err := s.client.DoJSON(ctx, http.MethodPost, PathSendCode, map[string]string{"phone": phone}, &out)
	if err != nil {
		s.forget(phone)
		return SendCodeResult{}, err
	}
	return out, nil
}

// VerifyCode exchanges phone and code for a token and stores it in the session.
func (s *AuthService) VerifyCode(ctx context.Context, phone, code string) (string, error) {
	phone = strings.TrimSpace(phone)
	code = strings.TrimSpace(code)
	if !phonePattern.MatchString(phone) {
		return "", ErrInvalidPhone
	}
	if !codePattern.MatchString(code) {
		return "", ErrInvalidCode
	}
	if s.session == nil {
		return "", ErrNoSession
	}
	var out tokenResponse
	err := s.client.DoJSON(ctx, http.MethodPost, PathVerifyCode, map[string]string{"phone": phone, "code": code}, &out)
	if err != nil {
		return "", err
	}
	if err := s.session.Set(ctx, out.AccessToken); err != nil {
		return "", err
	}
	return out.AccessToken, nil
}

// Logout forgets the stored token. The backend keeps no session state.
func (s *AuthService) Logout(ctx context.Context) error {
	if s.session == nil {
		return nil
	}
	return s.session.Clear(ctx)
}

// LoggedIn reports whether a token is present.
func (s *AuthService) LoggedIn() bool {
	if s.session == nil {
		return false
	}
	_, ok := s.session.Token()
	return ok
}

// forget drops the phone's limiter so a failed request can be retried at once.
func (s *AuthService) forget(phone string) {
	s.mu.Lock()
	delete(s.limiters, phone)
	s.mu.Unlock()
}

func (s *AuthService) limiter(phone string) *rate.Limiter {
	if s.cooldown <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[phone]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.cooldown), 1)
		s.limiters[phone] = lim
	}
	return lim
}
