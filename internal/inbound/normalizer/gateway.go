package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/waingest/internal/inbound/domain"
)

// gatewayEnvelope covers both delivery shapes of the self-hosted gateway:
// the event map posted directly, and the same map serialized into jsonData
// next to the session identifiers.
type gatewayEnvelope struct {
	JSONData     json.RawMessage `json:"jsonData"`
	UserID       string          `json:"userID"`
	InstanceName string          `json:"instanceName"`
	Type         string          `json:"type"`
	State        string          `json:"state"`
	ChatJID      string          `json:"chatJID"`
	Event        json.RawMessage `json:"event"`
	S3           *struct {
		URL      string `json:"url"`
		MimeType string `json:"mimeType"`
		Size     int64  `json:"size"`
	} `json:"s3"`
}

type gatewayInfo struct {
	Chat      string `json:"Chat"`
	Sender    string `json:"Sender"`
	IsFromMe  bool   `json:"IsFromMe"`
	IsGroup   bool   `json:"IsGroup"`
	ID        string `json:"ID"`
	Type      string `json:"Type"`
	PushName  string `json:"PushName"`
	Timestamp string `json:"Timestamp"`
}

type gatewayMedia struct {
	URL        string `json:"URL"`
	Mimetype   string `json:"mimetype"`
	Caption    string `json:"caption"`
	FileLength int64  `json:"fileLength"`
	Seconds    int    `json:"seconds"`
	FileName   string `json:"fileName"`
	Title      string `json:"title"`
}

type gatewayMessageBody struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage    *gatewayMedia `json:"imageMessage"`
	AudioMessage    *gatewayMedia `json:"audioMessage"`
	VideoMessage    *gatewayMedia `json:"videoMessage"`
	DocumentMessage *gatewayMedia `json:"documentMessage"`
	StickerMessage  *gatewayMedia `json:"stickerMessage"`
	LocationMessage *struct {
		DegreesLatitude  float64 `json:"degreesLatitude"`
		DegreesLongitude float64 `json:"degreesLongitude"`
		Name             string  `json:"name"`
		Address          string  `json:"address"`
	} `json:"locationMessage"`
	ContactMessage *struct {
		DisplayName string `json:"displayName"`
	} `json:"contactMessage"`
	ReactionMessage *struct {
		Text string `json:"text"`
	} `json:"reactionMessage"`
	ButtonsResponseMessage *struct {
		SelectedDisplayText string `json:"selectedDisplayText"`
	} `json:"buttonsResponseMessage"`
	ListResponseMessage *struct {
		Title string `json:"title"`
	} `json:"listResponseMessage"`
}

type gatewayMessage struct {
	Info    gatewayInfo        `json:"Info"`
	Message gatewayMessageBody `json:"Message"`
}

type gatewayReceipt struct {
	Chat       string   `json:"Chat"`
	Sender     string   `json:"Sender"`
	IsFromMe   bool     `json:"IsFromMe"`
	MessageIDs []string `json:"MessageIDs"`
	Timestamp  string   `json:"Timestamp"`
	Type       string   `json:"Type"`
}

func (n *Normalizer) normalizeGateway(raw []byte) (domain.Result, error) {
	var env gatewayEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.Result{}, fmt.Errorf("%w: %v", domain.ErrPayloadMalformed, err)
	}

	channel := firstNonEmpty(env.InstanceName, env.UserID)
	if len(env.JSONData) > 0 {
		inner, err := unwrapJSONData(env.JSONData)
		if err != nil {
			return domain.Result{}, fmt.Errorf("%w: jsonData: %v", domain.ErrPayloadMalformed, err)
		}
		var innerEnv gatewayEnvelope
		if err := json.Unmarshal(inner, &innerEnv); err != nil {
			return domain.Result{}, fmt.Errorf("%w: jsonData: %v", domain.ErrPayloadMalformed, err)
		}
		channel = firstNonEmpty(env.InstanceName, innerEnv.InstanceName, env.UserID, innerEnv.UserID)
		env = innerEnv
	}

	result := domain.Result{}
	rj := &rejecter{result: &result}

	switch strings.ToLower(strings.TrimSpace(env.Type)) {
	case "message":
		ev, err := n.gatewayMessageEvent(env)
		if err != nil {
			rj.reject("event", err.Error())
			break
		}
		ev.Channel = channel
		rj.accept(ev)
	case "readreceipt", "receipt":
		n.gatewayReceiptEvents(env, channel, rj)
	}
	// Presence, QR, connection and other session events carry no messages.
	return result, nil
}

// unwrapJSONData accepts jsonData as an embedded object or a JSON string.
func unwrapJSONData(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []byte(s), nil
	}
	return raw, nil
}

func (n *Normalizer) gatewayMessageEvent(env gatewayEnvelope) (domain.InboundEvent, error) {
	if len(env.Event) == 0 {
		return domain.InboundEvent{}, fmt.Errorf("missing event")
	}
	var msg gatewayMessage
	if err := json.Unmarshal(env.Event, &msg); err != nil {
		return domain.InboundEvent{}, err
	}
	if strings.TrimSpace(msg.Info.ID) == "" {
		return domain.InboundEvent{}, fmt.Errorf("missing message id")
	}

	identity, phone, ok := NormalizeIdentity(firstNonEmpty(msg.Info.Chat, msg.Info.Sender))
	if !ok {
		return domain.InboundEvent{}, fmt.Errorf("missing remote identity")
	}

	direction := domain.DirectionInbound
	name := strings.TrimSpace(msg.Info.PushName)
	if msg.Info.IsFromMe {
		direction = domain.DirectionOutbound
		// PushName is our own profile on outbound messages.
		name = ""
	}

	contentType, text, media := gatewayContent(msg.Message)
	if media != nil && env.S3 != nil && env.S3.URL != "" {
		media.URL = env.S3.URL
	}

	return domain.InboundEvent{
		Kind:     domain.EventKindMessage,
		Provider: domain.ProviderGateway,
		Message: &domain.MessageEvent{
			ProviderMessageID: strings.TrimSpace(msg.Info.ID),
			RemoteIdentity:    identity,
			Phone:             phone,
			ContactName:       name,
			Direction:         direction,
			ContentType:       contentType,
			Text:              text,
			Media:             media,
			OccurredAt:        n.occurredAt(parseRFC3339(msg.Info.Timestamp)),
		},
	}, nil
}

func gatewayContent(body gatewayMessageBody) (string, string, *domain.Media) {
	media := func(m *gatewayMedia) *domain.Media {
		return &domain.Media{
			URL:             m.URL,
			MimeType:        m.Mimetype,
			SizeBytes:       m.FileLength,
			DurationSeconds: m.Seconds,
		}
	}

	switch {
	case body.Conversation != "":
		return domain.ContentTypeText, body.Conversation, nil
	case body.ExtendedTextMessage != nil:
		return domain.ContentTypeText, body.ExtendedTextMessage.Text, nil
	case body.ImageMessage != nil:
		return domain.ContentTypeImage, body.ImageMessage.Caption, media(body.ImageMessage)
	case body.AudioMessage != nil:
		return domain.ContentTypeAudio, "", media(body.AudioMessage)
	case body.VideoMessage != nil:
		return domain.ContentTypeVideo, body.VideoMessage.Caption, media(body.VideoMessage)
	case body.DocumentMessage != nil:
		doc := body.DocumentMessage
		return domain.ContentTypeDocument, firstNonEmpty(doc.Caption, doc.FileName, doc.Title), media(doc)
	case body.StickerMessage != nil:
		return domain.ContentTypeSticker, "", media(body.StickerMessage)
	case body.LocationMessage != nil:
		loc := body.LocationMessage
		text := fmt.Sprintf("%f,%f", loc.DegreesLatitude, loc.DegreesLongitude)
		if label := firstNonEmpty(loc.Name, loc.Address); label != "" {
			text = label + " (" + text + ")"
		}
		return domain.ContentTypeLocation, text, nil
	case body.ContactMessage != nil:
		return domain.ContentTypeContacts, body.ContactMessage.DisplayName, nil
	case body.ReactionMessage != nil:
		return domain.ContentTypeReaction, body.ReactionMessage.Text, nil
	case body.ButtonsResponseMessage != nil:
		return domain.ContentTypeInteractive, body.ButtonsResponseMessage.SelectedDisplayText, nil
	case body.ListResponseMessage != nil:
		return domain.ContentTypeInteractive, body.ListResponseMessage.Title, nil
	default:
		return domain.ContentTypeUnknown, placeholderText, nil
	}
}

func (n *Normalizer) gatewayReceiptEvents(env gatewayEnvelope, channel string, rj *rejecter) {
	if len(env.Event) == 0 {
		rj.reject("event", "missing event")
		return
	}
	var receipt gatewayReceipt
	if err := json.Unmarshal(env.Event, &receipt); err != nil {
		rj.reject("event", err.Error())
		return
	}

	state := strings.ToLower(strings.TrimSpace(env.State))
	if state == "" {
		state = strings.ToLower(strings.TrimSpace(receipt.Type))
		if state == "" {
			state = "delivered"
		}
	}
	// Our own read marks on inbound messages are not delivery updates.
	if state == "readself" || state == "read-self" {
		return
	}
	status, ok := domain.ParseStatus(state)
	if !ok {
		rj.reject("event", fmt.Sprintf("unsupported receipt state %q", state))
		return
	}

	identity, _, _ := NormalizeIdentity(firstNonEmpty(env.ChatJID, receipt.Chat))
	occurred := n.occurredAt(parseRFC3339(receipt.Timestamp))
	for i, id := range receipt.MessageIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			rj.reject(fmt.Sprintf("event.MessageIDs[%d]", i), "empty message id")
			continue
		}
		rj.accept(domain.InboundEvent{
			Kind:     domain.EventKindStatus,
			Provider: domain.ProviderGateway,
			Channel:  channel,
			Status: &domain.StatusEvent{
				ProviderMessageID: id,
				RemoteIdentity:    identity,
				Status:            status,
				OccurredAt:        occurred,
			},
		})
	}
}

func parseRFC3339(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return parseUnix(raw)
	}
	return t.UTC()
}
