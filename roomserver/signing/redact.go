// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package signing

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/matrix-org/gomatrixserverlib"
)

// redactionAllowedContentKeys lists the content keys every room
// version keeps after redaction, by event type. Event types not
// listed lose their entire content. Grounded on the Matrix redaction
// algorithm as implemented by every homeserver's PduEvent::redact
// equivalent.
var redactionAllowedContentKeys = map[string][]string{
	"m.room.member":            {"membership", "join_authorised_via_users_server"},
	"m.room.create":            {"creator"},
	"m.room.join_rules":        {"join_rule"},
	"m.room.power_levels": {
		"ban", "events", "events_default", "kick", "redact",
		"state_default", "users", "users_default",
	},
	"m.room.history_visibility": {"history_visibility"},
}

// Redact applies Matrix's field-stripping algorithm to a PDU's raw
// JSON, using one key table for every room version: it keeps only the
// fields the event's type allows plus the envelope fields every
// redacted event retains (event_id, type, room_id, sender, state_key,
// depth, prev_events, auth_events, origin_server_ts, hashes,
// signatures, redacts, origin). Uses gjson/sjson for the
// surgery rather than round-tripping through a typed struct, the same
// idiom dendrite reaches for whenever it needs targeted JSON edits.
func Redact(raw []byte, eventType string) ([]byte, error) {
	envelope := []string{
		"event_id", "type", "room_id", "sender", "state_key", "depth",
		"prev_events", "auth_events", "origin_server_ts", "hashes",
		"signatures", "redacts", "origin",
	}

	out := []byte("{}")
	var err error
	for _, field := range envelope {
		if v := gjson.GetBytes(raw, field); v.Exists() {
			out, err = sjson.SetBytesOptions(out, field, v.Value(), nil)
			if err != nil {
				return nil, err
			}
		}
	}

	allowedContent := redactionAllowedContentKeys[eventType]
	if len(allowedContent) > 0 {
		content := map[string]interface{}{}
		for _, key := range allowedContent {
			v := gjson.GetBytes(raw, "content."+key)
			if v.Exists() {
				content[key] = v.Value()
			}
		}
		if len(content) > 0 {
			out, err = sjson.SetBytesOptions(out, "content", content, nil)
			if err != nil {
				return nil, err
			}
		} else {
			out, err = sjson.SetBytesOptions(out, "content", map[string]interface{}{}, nil)
			if err != nil {
				return nil, err
			}
		}
	} else {
		out, err = sjson.SetBytesOptions(out, "content", map[string]interface{}{}, nil)
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// RedactPDU re-parses the redacted JSON back into a PDU under the same
// room version, the form C6's redaction handling and C1's
// UpdateRedacted need to confirm the result is still well-formed.
func RedactPDU(pdu gomatrixserverlib.PDU, roomVersion gomatrixserverlib.RoomVersion) (gomatrixserverlib.PDU, error) {
	redacted, err := Redact(pdu.JSON(), pdu.Type())
	if err != nil {
		return nil, err
	}
	return gomatrixserverlib.NewEventFromTrustedJSON(redacted, true, roomVersion)
}
