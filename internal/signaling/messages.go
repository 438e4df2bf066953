package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
)

type messageType string

const (
	messageTypeOffer   messageType = "offer"
	messageTypeICE     messageType = "ice"
	messageTypeDone    messageType = "done"
	messageTypeResults messageType = "results"
)

// inboundMessage is any message a browser may send. Fields irrelevant to the
// message type are ignored.
type inboundMessage struct {
	Type messageType     `json:"type"`
	SDP  json.RawMessage `json:"sdp,omitempty"`
	ICE  *iceCandidate   `json:"ice,omitempty"`
}

type iceCandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type resultsMessage struct {
	Type          messageType `json:"type"`
	List          []int64     `json:"list"`
	ReceivedCount int         `json:"receivedCount"`
}

func newResultsMessage(samples []int64) resultsMessage {
	if samples == nil {
		samples = []int64{}
	}
	return resultsMessage{
		Type:          messageTypeResults,
		List:          samples,
		ReceivedCount: len(samples),
	}
}

var errMissingSDP = errors.New("offer has no sdp")

// offerSDP returns the SDP text of an offer. Browsers send either the raw SDP
// string or the RTCSessionDescription object ({"type":"offer","sdp":"..."}).
func (m inboundMessage) offerSDP() (string, error) {
	raw := bytes.TrimSpace(m.SDP)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errMissingSDP
	}

	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return "", err
		}
	} else {
		var desc struct {
			Type string `json:"type"`
			SDP  string `json:"sdp"`
		}
		if err := json.Unmarshal(raw, &desc); err != nil {
			return "", err
		}
		if desc.Type != "" && desc.Type != string(messageTypeOffer) {
			return "", errors.New("session description is not an offer")
		}
		text = desc.SDP
	}
	if text == "" {
		return "", errMissingSDP
	}
	return text, nil
}
