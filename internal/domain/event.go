package domain

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

type EventType string

const (
	EventSubtitle           EventType = "subtitle"
	EventChatMessage        EventType = "chat_message"
	EventUserJoined         EventType = "user_joined"
	EventUserLeft           EventType = "user_left"
	EventParticipantsUpdate EventType = "participants_update"
	EventScreenShareStarted EventType = "screen_share_started"
	EventScreenShareStopped EventType = "screen_share_stopped"
	EventRequestConnection  EventType = "request_connection"
	EventOffer              EventType = "offer"
	EventAnswer             EventType = "answer"
	EventICECandidate       EventType = "ice-candidate"
	EventPong               EventType = "pong"
	EventError              EventType = "error"
	EventAuth               EventType = "auth"
	EventAuthResponse       EventType = "auth_response"
)

// Event is the closed set of outbound payloads. Every variant embeds Envelope,
// so the wire form is always {type, room_id, timestamp, ...}.
type Event interface {
	envelope() *Envelope
}

type Envelope struct {
	Type      EventType `json:"type"`
	RoomID    RoomID    `json:"room_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *Envelope) envelope() *Envelope { return e }

func stamp(t EventType, room RoomID) Envelope {
	return Envelope{Type: t, RoomID: room, Timestamp: time.Now().UTC()}
}

// TypeOf reports the discriminator of ev.
func TypeOf(ev Event) EventType { return ev.envelope().Type }

func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

type Subtitle struct {
	Envelope
	Text                string        `json:"text"`
	Confidence          *float64      `json:"confidence,omitempty"`
	Sequence            uint64        `json:"sequence,omitempty"`
	UserID              ParticipantID `json:"user_id,omitempty"`
	Username            string        `json:"username,omitempty"`
	TranslatedText      string        `json:"translatedText,omitempty"`
	Language            string        `json:"language,omitempty"`
	TranslationLanguage string        `json:"translationLanguage,omitempty"`
}

func NewSubtitle(room RoomID, text string, seq uint64) *Subtitle {
	return &Subtitle{Envelope: stamp(EventSubtitle, room), Text: text, Sequence: seq}
}

type ChatMessage struct {
	Envelope
	UserID    ParticipantID `json:"user_id"`
	Username  string        `json:"username"`
	Message   string        `json:"message"`
	IsPrivate bool          `json:"is_private"`
}

func NewChatMessage(room RoomID, from Participant, message string, private bool) *ChatMessage {
	return &ChatMessage{
		Envelope:  stamp(EventChatMessage, room),
		UserID:    from.ID,
		Username:  from.Username,
		Message:   message,
		IsPrivate: private,
	}
}

// Presence is shared by user_joined and user_left.
type Presence struct {
	Envelope
	Username string `json:"username"`
	Message  string `json:"message"`
}

func NewUserJoined(room RoomID, username string) *Presence {
	return &Presence{Envelope: stamp(EventUserJoined, room), Username: username, Message: username + " joined"}
}

func NewUserLeft(room RoomID, username string) *Presence {
	return &Presence{Envelope: stamp(EventUserLeft, room), Username: username, Message: username + " left"}
}

type ParticipantsUpdate struct {
	Envelope
	Participants  []Participant `json:"participants"`
	Count         int           `json:"count"`
	CurrentUserID ParticipantID `json:"current_user_id,omitempty"`
}

func NewParticipantsUpdate(room RoomID, list []Participant, current ParticipantID) *ParticipantsUpdate {
	if list == nil {
		list = []Participant{}
	}
	return &ParticipantsUpdate{
		Envelope:      stamp(EventParticipantsUpdate, room),
		Participants:  list,
		Count:         len(list),
		CurrentUserID: current,
	}
}

type ScreenShare struct {
	Envelope
	InstructorID ParticipantID `json:"instructorId"`
	Username     string        `json:"username"`
}

func NewScreenShare(room RoomID, started bool, by Participant) *ScreenShare {
	t := EventScreenShareStopped
	if started {
		t = EventScreenShareStarted
	}
	return &ScreenShare{Envelope: stamp(t, room), InstructorID: by.ID, Username: by.Username}
}

// Signal carries the point-to-point WebRTC negotiation variants. Exactly one
// of Offer, Answer or Candidate is set, matching Type.
type Signal struct {
	Envelope
	FromPeerID   ParticipantID              `json:"fromPeerId"`
	TargetPeerID ParticipantID              `json:"targetPeerId"`
	Username     string                     `json:"username,omitempty"`
	Offer        *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer       *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate    *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func NewRequestConnection(room RoomID, from Participant, target ParticipantID) *Signal {
	return &Signal{
		Envelope:     stamp(EventRequestConnection, room),
		FromPeerID:   from.ID,
		TargetPeerID: target,
		Username:     from.Username,
	}
}

func NewOffer(room RoomID, from, target ParticipantID, sdp webrtc.SessionDescription) *Signal {
	return &Signal{Envelope: stamp(EventOffer, room), FromPeerID: from, TargetPeerID: target, Offer: &sdp}
}

func NewAnswer(room RoomID, from, target ParticipantID, sdp webrtc.SessionDescription) *Signal {
	return &Signal{Envelope: stamp(EventAnswer, room), FromPeerID: from, TargetPeerID: target, Answer: &sdp}
}

func NewICECandidate(room RoomID, from, target ParticipantID, c webrtc.ICECandidateInit) *Signal {
	return &Signal{Envelope: stamp(EventICECandidate, room), FromPeerID: from, TargetPeerID: target, Candidate: &c}
}

type Pong struct {
	Envelope
}

func NewPong(room RoomID) *Pong { return &Pong{Envelope: stamp(EventPong, room)} }

type Error struct {
	Envelope
	Error string `json:"error"`
}

func NewError(room RoomID, msg string) *Error {
	return &Error{Envelope: stamp(EventError, room), Error: msg}
}

const (
	AuthSuccess = "success"
	AuthFailed  = "error"
)

// AuthResponse answers an in-band auth message on the audio socket.
type AuthResponse struct {
	Envelope
	Status   string        `json:"status"`
	Success  bool          `json:"success"`
	Message  string        `json:"message,omitempty"`
	UserID   ParticipantID `json:"user_id,omitempty"`
	Username string        `json:"username,omitempty"`
}

func NewAuthAccepted(room RoomID, who Participant) *AuthResponse {
	return &AuthResponse{
		Envelope: stamp(EventAuthResponse, room),
		Status:   AuthSuccess,
		Success:  true,
		UserID:   who.ID,
		Username: who.Username,
	}
}

func NewAuthRejected(room RoomID, msg string) *AuthResponse {
	return &AuthResponse{Envelope: stamp(EventAuthResponse, room), Status: AuthFailed, Message: msg}
}
