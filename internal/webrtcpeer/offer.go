package webrtcpeer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

var errNoApplicationSection = errors.New("offer has no application (data channel) media section")

// validateOffer rejects offers that cannot carry a data channel before any
// PeerConnection state is allocated for them.
func validateOffer(offer string) error {
	if strings.TrimSpace(offer) == "" {
		return errors.New("empty offer")
	}
	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(offer); err != nil {
		return fmt.Errorf("parse offer: %w", err)
	}
	for _, md := range parsed.MediaDescriptions {
		if md != nil && md.MediaName.Media == "application" {
			return nil
		}
	}
	return errNoApplicationSection
}
