package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type InboundKind string

const (
	KindMessage  InboundKind = "message"
	KindCallback InboundKind = "callback_query"
)

// Inbound is one update from the chat layer: either a typed command
// ("/accept <trip>") or a button press ("accept:<trip>"). The variant is
// decided once, when the update is decoded.
type Inbound struct {
	Kind   InboundKind
	UserID string
	// Text is set for messages, Data for callback queries.
	Text string
	Data string
}

type chatUser struct {
	ID string `json:"id"`
}

type chatEnvelope struct {
	Message *struct {
		From chatUser `json:"from"`
		Text string   `json:"text"`
	} `json:"message"`
	CallbackQuery *struct {
		From chatUser `json:"from"`
		Data string   `json:"data"`
	} `json:"callback_query"`
}

func (in *Inbound) UnmarshalJSON(b []byte) error {
	var env chatEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	switch {
	case env.Message != nil && env.CallbackQuery != nil:
		return errors.New("update carries both message and callback_query")
	case env.Message != nil:
		*in = Inbound{Kind: KindMessage, UserID: env.Message.From.ID, Text: env.Message.Text}
	case env.CallbackQuery != nil:
		*in = Inbound{Kind: KindCallback, UserID: env.CallbackQuery.From.ID, Data: env.CallbackQuery.Data}
	default:
		return errors.New("update carries neither message nor callback_query")
	}
	if in.UserID == "" {
		return errors.New("update has no sender")
	}
	return nil
}

// Action extracts the verb and trip id from either variant.
func (in Inbound) Action() (verb, tripID string, err error) {
	switch in.Kind {
	case KindMessage:
		fields := strings.Fields(in.Text)
		if len(fields) != 2 || !strings.HasPrefix(fields[0], "/") {
			return "", "", fmt.Errorf("%w: %q", errUnknownAction, in.Text)
		}
		// "/accept@bot" addresses a specific bot in group chats
		verb, _, _ = strings.Cut(strings.TrimPrefix(fields[0], "/"), "@")
		tripID = fields[1]
	case KindCallback:
		var ok bool
		verb, tripID, ok = strings.Cut(in.Data, ":")
		if !ok || tripID == "" {
			return "", "", fmt.Errorf("%w: %q", errUnknownAction, in.Data)
		}
	default:
		return "", "", errUnknownAction
	}
	switch verb {
	case "accept", "reject", "start", "complete", "cancel":
		return verb, tripID, nil
	}
	return "", "", fmt.Errorf("%w: %q", errUnknownAction, verb)
}
