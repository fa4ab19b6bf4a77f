package normalizer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smallbiznis/waingest/internal/inbound/domain"
)

type cloudPayload struct {
	Object string            `json:"object"`
	Entry  []json.RawMessage `json:"entry"`
}

type cloudEntry struct {
	ID      string            `json:"id"`
	Changes []json.RawMessage `json:"changes"`
}

type cloudChange struct {
	Field string     `json:"field"`
	Value cloudValue `json:"value"`
}

type cloudValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Metadata         cloudMetadata     `json:"metadata"`
	Contacts         []cloudContact    `json:"contacts"`
	Messages         []json.RawMessage `json:"messages"`
	MessageEchoes    []json.RawMessage `json:"message_echoes"`
	Statuses         []json.RawMessage `json:"statuses"`
}

type cloudMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type cloudContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type cloudMedia struct {
	ID       string `json:"id"`
	Link     string `json:"link"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
	FileSize int64  `json:"file_size"`
	Duration int    `json:"duration"`
}

type cloudMessage struct {
	From      string      `json:"from"`
	To        string      `json:"to"`
	ID        string      `json:"id"`
	Timestamp flexString  `json:"timestamp"`
	Type      string      `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *cloudMedia `json:"image"`
	Audio    *cloudMedia `json:"audio"`
	Video    *cloudMedia `json:"video"`
	Document *cloudMedia `json:"document"`
	Sticker  *cloudMedia `json:"sticker"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
		Address   string  `json:"address"`
	} `json:"location"`
	Contacts []struct {
		Name struct {
			FormattedName string `json:"formatted_name"`
		} `json:"name"`
	} `json:"contacts"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID          string `json:"id"`
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Reaction *struct {
		MessageID string `json:"message_id"`
		Emoji     string `json:"emoji"`
	} `json:"reaction"`
}

type cloudStatus struct {
	ID          string      `json:"id"`
	Status      string      `json:"status"`
	Timestamp   flexString  `json:"timestamp"`
	RecipientID string      `json:"recipient_id"`
	Errors      []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message"`
	} `json:"errors"`
}

type rejecter struct {
	result *domain.Result
	seq    int
}

func (r *rejecter) reject(path string, reason string) {
	r.result.Rejected = append(r.result.Rejected, domain.EntryError{
		Index:  r.seq,
		Reason: path + ": " + reason,
	})
	r.seq++
}

func (r *rejecter) accept(ev domain.InboundEvent) {
	r.result.Events = append(r.result.Events, ev)
	r.seq++
}

func (n *Normalizer) normalizeCloudAPI(raw []byte) (domain.Result, error) {
	var payload cloudPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.Result{}, fmt.Errorf("%w: %v", domain.ErrPayloadMalformed, err)
	}

	result := domain.Result{}
	rj := &rejecter{result: &result}

	for ei, rawEntry := range payload.Entry {
		var entry cloudEntry
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			rj.reject(fmt.Sprintf("entry[%d]", ei), err.Error())
			continue
		}
		for ci, rawChange := range entry.Changes {
			path := fmt.Sprintf("entry[%d].changes[%d]", ei, ci)
			var change cloudChange
			if err := json.Unmarshal(rawChange, &change); err != nil {
				rj.reject(path, err.Error())
				continue
			}
			value := change.Value
			channel := strings.TrimSpace(value.Metadata.PhoneNumberID)

			for mi, rawMsg := range value.Messages {
				ev, err := n.cloudMessageEvent(rawMsg, value.Contacts, domain.DirectionInbound)
				if err != nil {
					rj.reject(fmt.Sprintf("%s.messages[%d]", path, mi), err.Error())
					continue
				}
				ev.Channel = channel
				rj.accept(ev)
			}
			for mi, rawMsg := range value.MessageEchoes {
				ev, err := n.cloudMessageEvent(rawMsg, value.Contacts, domain.DirectionOutbound)
				if err != nil {
					rj.reject(fmt.Sprintf("%s.message_echoes[%d]", path, mi), err.Error())
					continue
				}
				ev.Channel = channel
				rj.accept(ev)
			}
			for si, rawStatus := range value.Statuses {
				ev, err := n.cloudStatusEvent(rawStatus)
				if err != nil {
					rj.reject(fmt.Sprintf("%s.statuses[%d]", path, si), err.Error())
					continue
				}
				ev.Channel = channel
				rj.accept(ev)
			}
		}
	}

	return result, nil
}

func (n *Normalizer) cloudMessageEvent(raw json.RawMessage, contacts []cloudContact, direction domain.Direction) (domain.InboundEvent, error) {
	var msg cloudMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.InboundEvent{}, err
	}
	if strings.TrimSpace(msg.ID) == "" {
		return domain.InboundEvent{}, fmt.Errorf("missing message id")
	}

	remote := msg.From
	if direction == domain.DirectionOutbound {
		remote = msg.To
	}
	identity, phone, ok := NormalizeIdentity(remote)
	if !ok {
		return domain.InboundEvent{}, fmt.Errorf("missing remote identity")
	}

	contentType, text, media := cloudContent(msg)
	event := &domain.MessageEvent{
		ProviderMessageID: strings.TrimSpace(msg.ID),
		RemoteIdentity:    identity,
		Phone:             phone,
		ContactName:       cloudContactName(contacts, phone),
		Direction:         direction,
		ContentType:       contentType,
		Text:              text,
		Media:             media,
		OccurredAt:        n.occurredAt(parseUnix(msg.Timestamp.String())),
	}

	return domain.InboundEvent{
		Kind:     domain.EventKindMessage,
		Provider: domain.ProviderCloudAPI,
		Message:  event,
	}, nil
}

func cloudContent(msg cloudMessage) (string, string, *domain.Media) {
	media := func(m *cloudMedia) *domain.Media {
		return &domain.Media{
			URL:             firstNonEmpty(m.Link, m.URL, m.ID),
			MimeType:        m.MimeType,
			SizeBytes:       m.FileSize,
			DurationSeconds: m.Duration,
		}
	}

	switch strings.ToLower(strings.TrimSpace(msg.Type)) {
	case "text":
		if msg.Text != nil {
			return domain.ContentTypeText, msg.Text.Body, nil
		}
	case "image":
		if msg.Image != nil {
			return domain.ContentTypeImage, msg.Image.Caption, media(msg.Image)
		}
	case "audio", "voice":
		if msg.Audio != nil {
			return domain.ContentTypeAudio, "", media(msg.Audio)
		}
	case "video":
		if msg.Video != nil {
			return domain.ContentTypeVideo, msg.Video.Caption, media(msg.Video)
		}
	case "document":
		if msg.Document != nil {
			return domain.ContentTypeDocument, firstNonEmpty(msg.Document.Caption, msg.Document.Filename), media(msg.Document)
		}
	case "sticker":
		if msg.Sticker != nil {
			return domain.ContentTypeSticker, "", media(msg.Sticker)
		}
	case "location":
		if msg.Location != nil {
			loc := msg.Location
			text := fmt.Sprintf("%f,%f", loc.Latitude, loc.Longitude)
			if label := firstNonEmpty(loc.Name, loc.Address); label != "" {
				text = label + " (" + text + ")"
			}
			return domain.ContentTypeLocation, text, nil
		}
	case "contacts":
		names := make([]string, 0, len(msg.Contacts))
		for _, c := range msg.Contacts {
			if name := strings.TrimSpace(c.Name.FormattedName); name != "" {
				names = append(names, name)
			}
		}
		return domain.ContentTypeContacts, strings.Join(names, ", "), nil
	case "interactive":
		if msg.Interactive != nil {
			switch {
			case msg.Interactive.ButtonReply != nil:
				return domain.ContentTypeInteractive, msg.Interactive.ButtonReply.Title, nil
			case msg.Interactive.ListReply != nil:
				return domain.ContentTypeInteractive, msg.Interactive.ListReply.Title, nil
			}
		}
	case "button":
		if msg.Button != nil {
			return domain.ContentTypeInteractive, firstNonEmpty(msg.Button.Text, msg.Button.Payload), nil
		}
	case "reaction":
		if msg.Reaction != nil {
			return domain.ContentTypeReaction, msg.Reaction.Emoji, nil
		}
	}
	return domain.ContentTypeUnknown, placeholderText, nil
}

func cloudContactName(contacts []cloudContact, phone string) string {
	for _, c := range contacts {
		if digitsOnly(c.WaID) == phone {
			return strings.TrimSpace(c.Profile.Name)
		}
	}
	if len(contacts) == 1 {
		return strings.TrimSpace(contacts[0].Profile.Name)
	}
	return ""
}

func (n *Normalizer) cloudStatusEvent(raw json.RawMessage) (domain.InboundEvent, error) {
	var st cloudStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.InboundEvent{}, err
	}
	if strings.TrimSpace(st.ID) == "" {
		return domain.InboundEvent{}, fmt.Errorf("missing status message id")
	}
	status, ok := domain.ParseStatus(st.Status)
	if !ok {
		return domain.InboundEvent{}, fmt.Errorf("unsupported status %q", st.Status)
	}

	identity, _, _ := NormalizeIdentity(st.RecipientID)
	var reason string
	if len(st.Errors) > 0 {
		reason = firstNonEmpty(st.Errors[0].Message, st.Errors[0].Title)
	}

	return domain.InboundEvent{
		Kind:     domain.EventKindStatus,
		Provider: domain.ProviderCloudAPI,
		Status: &domain.StatusEvent{
			ProviderMessageID: strings.TrimSpace(st.ID),
			RemoteIdentity:    identity,
			Status:            status,
			OccurredAt:        n.occurredAt(parseUnix(st.Timestamp.String())),
			ErrorReason:       reason,
		},
	}, nil
}
