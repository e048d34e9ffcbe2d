// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-core/roomengine/roomserver/types"
)

func TestStateProviderLooksUpByFieldTuple(t *testing.T) {
	fetched := map[string]gomatrixserverlib.PDU{}
	fetch := EventFetcher(func(ctx context.Context, eventID string) (gomatrixserverlib.PDU, error) {
		return fetched[eventID], nil
	})

	state := map[types.StateKeyTuple]string{
		{EventType: spec.MRoomCreate, StateKey: ""}:               "$create",
		{EventType: spec.MRoomPowerLevels, StateKey: ""}:          "$powerlevels",
		{EventType: spec.MRoomMember, StateKey: "@alice:example.org"}: "$alice-join",
	}
	provider := newStateProvider(context.Background(), fetch, state)

	assert.Equal(t, "$create", provider.byField[stateKey{spec.MRoomCreate, ""}])
	assert.Equal(t, "$powerlevels", provider.byField[stateKey{spec.MRoomPowerLevels, ""}])
	assert.Equal(t, "$alice-join", provider.byField[stateKey{spec.MRoomMember, "@alice:example.org"}])

	pdu, err := provider.JoinRules()
	require.NoError(t, err)
	assert.Nil(t, pdu)
}

const testPowerLevelsContent = `{
	"users": {"@alice:example.org": 100, "@bob:example.org": 0},
	"users_default": 0,
	"redact": 50
}`

func TestUserCanRedactOwnEvent(t *testing.T) {
	// Bob has no redact power, but a sender may always redact their own
	// event regardless of power level.
	assert.True(t, UserCanRedact("@bob:example.org", "@bob:example.org", []byte(testPowerLevelsContent)))
}

func TestUserCanRedactRequiresPowerForOthers(t *testing.T) {
	assert.False(t, UserCanRedact("@bob:example.org", "@alice:example.org", []byte(testPowerLevelsContent)))
	assert.True(t, UserCanRedact("@alice:example.org", "@bob:example.org", []byte(testPowerLevelsContent)))
}

func TestUserCanRedactWithNoPowerLevelsEventDeniesOthers(t *testing.T) {
	assert.False(t, UserCanRedact("@alice:example.org", "@bob:example.org", nil))
}

func TestPowerLevelOfDefaultsToUsersDefault(t *testing.T) {
	assert.EqualValues(t, 100, PowerLevelOf([]byte(testPowerLevelsContent), "@alice:example.org"))
	assert.EqualValues(t, 0, PowerLevelOf([]byte(testPowerLevelsContent), "@carol:example.org"))
}

func TestRedactLevelOfDefaultsTo50(t *testing.T) {
	assert.EqualValues(t, 50, RedactLevelOf([]byte(testPowerLevelsContent)))
	assert.EqualValues(t, 50, RedactLevelOf([]byte(`{}`)))
}
