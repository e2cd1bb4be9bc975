package api

import (
	"context"
	"net/http"

	"github.com/godeps/reborn-go/pkg/transport"
)

// Stage is the coaching stage the backend derives from the profile.
type Stage string

const (
	StageNewUser     Stage = "new_user"
	StageExploring   Stage = "exploring"
	StageEstablished Stage = "established"
)

// DeriveStage mirrors the backend rule: both vision and anti-vision make a
// profile established, either one alone makes it exploring.
func DeriveStage(vision, antiVision string) Stage {
	switch {
	case vision != "" && antiVision != "":
		return StageEstablished
	case vision != "" || antiVision != "":
		return StageExploring
	default:
		return StageNewUser
	}
}

// Profile is the user's self-description. Nullable fields are pointers.
type Profile struct {
	Nickname          *string  `json:"nickname,omitempty"`
	CurrentIdentity   *string  `json:"current_identity,omitempty"`
	IdealIdentity     *string  `json:"ideal_identity,omitempty"`
	CoreProblem       *string  `json:"core_problem,omitempty"`
	AntiVision        *string  `json:"anti_vision"`
	Vision            *string  `json:"vision"`
	IdentityStatement *string  `json:"identity_statement"`
	CurrentStage      Stage    `json:"current_stage"`
	KeyInsights       []string `json:"key_insights"`
}

// ProfileUpdate is a partial update; nil fields are left untouched.
type ProfileUpdate struct {
	AntiVision        *string  `json:"anti_vision,omitempty"`
	Vision            *string  `json:"vision,omitempty"`
	IdentityStatement *string  `json:"identity_statement,omitempty"`
	KeyInsights       []string `json:"key_insights,omitempty"`
}

// Empty reports whether the update would change nothing.
func (u ProfileUpdate) Empty() bool {
	return u.AntiVision == nil && u.Vision == nil && u.IdentityStatement == nil && u.KeyInsights == nil
}

// ProfileService reads and edits the profile.
type ProfileService struct {
	client *transport.Client
}

func NewProfileService(client *transport.Client) *ProfileService {
	return &ProfileService{client: client}
}

// Get fetches the profile.
func (s *ProfileService) Get(ctx context.Context) (Profile, error) {
	var p Profile
	if err := s.client.DoJSON(ctx, http.MethodGet, PathProfile, nil, &p); err != nil {
		return Profile{}, err
	}
	if p.CurrentStage == "" {
		p.CurrentStage = StageNewUser
	}
	return p, nil
}

// Update sends the non-nil fields of u. An empty update is not sent.
func (s *ProfileService) Update(ctx context.Context, u ProfileUpdate) error {
	if u.Empty() {
		return nil
	}
	_, err := s.client.Do(ctx, http.MethodPut, PathProfile, u)
	return err
}

// String returns a pointer to v, for building ProfileUpdate literals.
func String(v string) *string { return &v }
