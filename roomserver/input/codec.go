// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-core/roomengine/roomserver/api"
)

// wireInputEvent is api.InputRoomEvent's JSON-stable shape for the
// room actor queue (spec §5's per-room queue is a durable JetStream
// stream, not an in-memory channel, so every enqueued event must
// round-trip through bytes).
type wireInputEvent struct {
	Kind         api.Kind `json:"kind"`
	RoomID       string   `json:"room_id"`
	Event        []byte   `json:"event"`
	Origin       string   `json:"origin,omitempty"`
	TxnID        string   `json:"txn_id,omitempty"`
	UserID       string   `json:"user_id,omitempty"`
	DeviceID     string   `json:"device_id,omitempty"`
	SendAsServer string   `json:"send_as_server,omitempty"`
}

func marshalInputEvent(ire api.InputRoomEvent) ([]byte, error) {
	return json.Marshal(wireInputEvent{
		Kind:         ire.Kind,
		RoomID:       ire.RoomID,
		Event:        ire.Event,
		Origin:       string(ire.Origin),
		TxnID:        ire.TxnID,
		UserID:       ire.UserID,
		DeviceID:     ire.DeviceID,
		SendAsServer: ire.SendAsServer,
	})
}

func unmarshalInputEvent(data []byte) (api.InputRoomEvent, error) {
	var w wireInputEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return api.InputRoomEvent{}, err
	}
	return api.InputRoomEvent{
		Kind:         w.Kind,
		RoomID:       w.RoomID,
		Event:        w.Event,
		Origin:       spec.ServerName(w.Origin),
		TxnID:        w.TxnID,
		UserID:       w.UserID,
		DeviceID:     w.DeviceID,
		SendAsServer: w.SendAsServer,
	}, nil
}
