package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Imhermes1/familyhub/internal/pulse"
)

var channelPrefix = map[pulse.Kind]string{
	pulse.KindStatus: "status_events",
	pulse.KindTask:   "tasks",
	pulse.KindNote:   "notes",
	pulse.KindVoice:  "voice_messages",
}

// ChannelName is the realtime channel carrying kind changes for groupID.
func ChannelName(kind pulse.Kind, groupID string) string {
	return channelPrefix[kind] + ":" + groupID
}

func ParseChannel(channel string) (pulse.Kind, string, bool) {
	prefix, groupID, ok := strings.Cut(channel, ":")
	if !ok || groupID == "" {
		return "", "", false
	}
	for kind, p := range channelPrefix {
		if p == prefix {
			return kind, groupID, true
		}
	}
	return "", "", false
}

// realtimeMessage is the frame shape in both directions. Clients send
// "subscribe"; the server answers "subscribed" and then pushes "change".
type realtimeMessage struct {
	Type     string `json:"type"`
	Channel  string `json:"channel"`
	Event    string `json:"event,omitempty"`
	ServerID string `json:"serverId,omitempty"`
}

const (
	msgSubscribe  = "subscribe"
	msgSubscribed = "subscribed"
	msgChange     = "change"
)

type ChangeHandler func(ctx context.Context, kind pulse.Kind)

type RealtimeOptions struct {
	// URL is the websocket endpoint, for example ws://host/v1/realtime.
	URL        string
	Token      string
	GroupID    string
	Kinds      []pulse.Kind
	OnChange   ChangeHandler
	Logger     *log.Logger
	HTTPClient *http.Client
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// OnSubscribed, when set, runs after every successful subscription.
	OnSubscribed func()
}

// Realtime keeps a websocket subscription to the group's change channels
// open and calls OnChange for every INSERT or UPDATE it receives.
type Realtime struct {
	opts RealtimeOptions
}

func NewRealtime(opts RealtimeOptions) *Realtime {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = pulse.AllKinds
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	return &Realtime{opts: opts}
}

// Run reconnects until ctx is done. It only returns ctx's error.
func (r *Realtime) Run(ctx context.Context) error {
	attempt := 0
	for {
		subscribed, err := r.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			attempt = 0
		}
		attempt++
		delay := backoffDelay(r.opts.BaseDelay, r.opts.MaxDelay, attempt, 0)
		r.opts.Logger.Warn("realtime disconnected", "group_id", r.opts.GroupID, "err", err, "retry_in", delay)
		if err := waitWithContext(ctx, delay); err != nil {
			return err
		}
	}
}

func (r *Realtime) runOnce(ctx context.Context) (bool, error) {
	if strings.TrimSpace(r.opts.GroupID) == "" {
		return false, fmt.Errorf("%w: realtime needs a group id", pulse.ErrInvalidInput)
	}
	header := http.Header{}
	if r.opts.Token != "" {
		header.Set("Authorization", "Bearer "+r.opts.Token)
	}
	header.Set("X-Correlation-Id", correlationID())
	conn, _, err := websocket.Dial(ctx, r.opts.URL, &websocket.DialOptions{
		HTTPClient: r.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return false, fmt.Errorf("dial realtime: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	pending := make(map[string]bool, len(r.opts.Kinds))
	for _, kind := range r.opts.Kinds {
		channel := ChannelName(kind, r.opts.GroupID)
		if err := wsjson.Write(ctx, conn, realtimeMessage{Type: msgSubscribe, Channel: channel}); err != nil {
			return false, fmt.Errorf("subscribe %s: %w", channel, err)
		}
		pending[channel] = true
	}

	subscribed := false
	for {
		var msg realtimeMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				err = errors.New("server closed the connection")
			}
			return subscribed, err
		}
		switch msg.Type {
		case msgSubscribed:
			delete(pending, msg.Channel)
			if len(pending) == 0 && !subscribed {
				subscribed = true
				r.opts.Logger.Debug("realtime subscribed", "group_id", r.opts.GroupID, "channels", len(r.opts.Kinds))
				if r.opts.OnSubscribed != nil {
					r.opts.OnSubscribed()
				}
			}
		case msgChange:
			if msg.Event != OpInsert && msg.Event != OpUpdate {
				continue
			}
			kind, groupID, ok := ParseChannel(msg.Channel)
			if !ok || groupID != r.opts.GroupID {
				r.opts.Logger.Debug("realtime ignored channel", "channel", msg.Channel)
				continue
			}
			if r.opts.OnChange != nil {
				r.opts.OnChange(ctx, kind)
			}
		}
	}
}
