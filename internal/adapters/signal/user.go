package signal

import (
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/unerue/studytube/internal/auth"
	"github.com/unerue/studytube/internal/domain"
)

const (
	guestKey  = "guest_id"
	guestName = "guest"
)

// identify resolves who is connecting. Without a token, and only when
// anonymous access is on, the caller becomes a guest.
func (ctl *SignalWSController) identify(c *gin.Context) (auth.Principal, error) {
	raw := auth.TokenFromRequest(c.Request)
	if raw == "" && ctl.opts.AllowAnonymous {
		return guest(c), nil
	}
	if ctl.Verifier == nil {
		return auth.Principal{}, auth.ErrMissingToken
	}
	return ctl.Verifier.Verify(c.Request.Context(), raw)
}

// guest keeps a stable id in the cookie session so a reconnecting guest
// replaces its own connection.
func guest(c *gin.Context) auth.Principal {
	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		name = guestName
	}
	s, ok := c.Get(sessions.DefaultKey)
	if !ok {
		return auth.Principal{ID: domain.ParticipantID("guest-" + uuid.NewString()), Name: name}
	}
	sess := s.(sessions.Session)
	id, _ := sess.Get(guestKey).(string)
	if id == "" {
		id = "guest-" + uuid.NewString()
		sess.Set(guestKey, id)
		if err := sess.Save(); err != nil {
			log.Warn().Err(err).Str("module", "signal").Msg("save guest session")
		}
	}
	return auth.Principal{ID: domain.ParticipantID(id), Name: name}
}

// participantOf turns a principal into a presence entry. Display names are
// cut to the presence limit rather than rejected.
func participantOf(who auth.Principal) (domain.Participant, error) {
	return domain.NewParticipant(who.ID, domain.Truncate(who.Name, domain.MaxUsernameLen))
}
