package eventauth

import (
	"encoding/json"

	"github.com/matrix-org/roomstate/statemap"
)

// AuthState is the state map consulted when evaluating an event's
// permissions. Its values are event references rather than bare ids so
// that Allowed never needs a side-channel event lookup table.
type AuthState = *statemap.Map[*Event]

// Allowed decides whether event is permitted given authState, the room
// state immediately before it. It implements the dispatch in spec.md §4.2
// in the exact order given there.
func Allowed(event *Event, authState AuthState) error {
	senderDomain, err := domainFromID(event.Sender)
	if err != nil {
		return errorf("invalid ID: %v", err)
	}

	if event.Type == statemap.TypeCreate {
		roomDomain, err := domainFromID(event.RoomID)
		if err != nil {
			return errorf("invalid ID: %v", err)
		}
		if roomDomain != senderDomain {
			return errorf("create event room ID domain does not match sender: %q != %q", roomDomain, senderDomain)
		}
		return nil
	}

	if !authState.ContainsKey(statemap.TypeCreate, "") {
		return errorf("no create event")
	}

	if event.Type == "m.room.aliases" {
		if event.StateKey == nil {
			return errorf("alias event must be a state event")
		}
		if *event.StateKey != senderDomain {
			return errorf("alias state_key does not match sender domain: %q != %q", *event.StateKey, senderDomain)
		}
	}

	if event.Type == statemap.TypeMember {
		return checkMembership(event, authState)
	}

	if err := checkUserInRoom(event.Sender, authState); err != nil {
		return err
	}

	if event.Type == "m.room.third_party_invite" {
		userLevel := getUserPowerLevel(event.Sender, authState)
		inviteLevel := getNamedLevel("invite", authState, 0)
		if userLevel < inviteLevel {
			return errorf("user power level %d is less than invite level %d", userLevel, inviteLevel)
		}
		return nil
	}

	if err := checkCanSendEvent(event, authState); err != nil {
		return err
	}

	if event.Type == statemap.TypePowerLevels {
		if err := checkPowerLevels(event, authState); err != nil {
			return err
		}
	}

	if event.Type == "m.room.redaction" {
		if err := checkRedaction(event, authState); err != nil {
			return err
		}
	}

	return nil
}

func checkUserInRoom(userID string, authState AuthState) error {
	ev, ok := authState.Get(statemap.TypeMember, userID)
	if !ok || ev == nil {
		return errorf("user %q not in room", userID)
	}
	membership, err := membershipOf(ev)
	if err != nil {
		return err
	}
	if membership != "join" {
		return errorf("user %q not in room", userID)
	}
	return nil
}

type memberContentWire struct {
	Membership       string          `json:"membership"`
	ThirdPartyInvite json.RawMessage `json:"third_party_invite"`
}

func membershipOf(ev *Event) (string, error) {
	var content memberContentWire
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return "", errorf("missing membership key")
	}
	if content.Membership == "" {
		return "", errorf("missing membership key")
	}
	return content.Membership, nil
}

// checkMembership implements spec.md §4.2.1.
func checkMembership(event *Event, authState AuthState) error {
	if event.StateKey == nil {
		return errorf("membership event must be a state event")
	}
	target := *event.StateKey

	var content memberContentWire
	if err := json.Unmarshal(event.Content, &content); err != nil || content.Membership == "" {
		return errorf("missing membership key")
	}
	membership := content.Membership

	// Special case: the room creator's own join directly after the create
	// event is always allowed.
	if membership == "join" && len(event.PrevEvents) == 1 {
		if createEv, ok := authState.Get(statemap.TypeCreate, ""); ok && createEv != nil {
			if event.PrevEvents[0] == createEv.EventID {
				creator, _ := createContentCreator(createEv)
				if creator == target {
					return nil
				}
			}
		}
	}

	callerInRoom, callerInvited, _ := memberStatus(authState, event.Sender)
	targetInRoom, _, targetBanned := memberStatus(authState, target)

	joinRule := "invite"
	if jr, ok := authState.Get(statemap.TypeJoinRules, ""); ok && jr != nil {
		var jc struct {
			JoinRule string `json:"join_rule"`
		}
		if err := json.Unmarshal(jr.Content, &jc); err == nil && jc.JoinRule != "" {
			joinRule = jc.JoinRule
		}
	}

	userLevel := getUserPowerLevel(event.Sender, authState)
	targetLevel := getUserPowerLevel(target, authState)
	banLevel := getNamedLevel("ban", authState, 50)

	if membership == "invite" {
		if hasThirdPartyInvite(event) {
			if err := verifyThirdPartyInvite(event, authState); err != nil {
				return err
			}
			if targetBanned {
				return errorf("target is banned")
			}
			return nil
		}
	}

	if membership != "join" {
		selfLeaveAfterInvite := callerInvited && membership == "leave" && target == event.Sender
		if !selfLeaveAfterInvite && !callerInRoom {
			return errorf("sender %q not in room", event.Sender)
		}
	}

	switch membership {
	case "invite":
		if targetBanned {
			return errorf("target is banned")
		}
		if targetInRoom {
			return errorf("target already in room")
		}
		if userLevel < getNamedLevel("invite", authState, 0) {
			return errorf("user power level %d is less than invite level", userLevel)
		}
	case "join":
		if targetBanned {
			return errorf("user is banned")
		}
		if event.Sender != target {
			return errorf("sender and state key do not match")
		}
		switch joinRule {
		case "public":
		case "invite":
			if !callerInRoom && !callerInvited {
				return errorf("user not invited")
			}
		default:
			return errorf("unknown join rule %q", joinRule)
		}
	case "leave":
		if targetBanned && userLevel < banLevel {
			return errorf("cannot unban user")
		}
		if target != event.Sender {
			kickLevel := getNamedLevel("kick", authState, 50)
			if userLevel < kickLevel || userLevel <= targetLevel {
				return errorf("cannot kick user")
			}
		}
	case "ban":
		if userLevel < banLevel || userLevel <= targetLevel {
			return errorf("cannot ban user")
		}
	default:
		return errorf("unknown membership %q", membership)
	}

	return nil
}

func memberStatus(authState AuthState, userID string) (inRoom, invited, banned bool) {
	ev, ok := authState.Get(statemap.TypeMember, userID)
	if !ok || ev == nil {
		return false, false, false
	}
	m, err := membershipOf(ev)
	if err != nil {
		return false, false, false
	}
	return m == "join", m == "invite", m == "ban"
}

func createContentCreator(createEv *Event) (string, error) {
	var c struct {
		Creator string `json:"creator"`
	}
	if err := json.Unmarshal(createEv.Content, &c); err != nil {
		return "", err
	}
	return c.Creator, nil
}

func hasThirdPartyInvite(event *Event) bool {
	var c struct {
		ThirdPartyInvite json.RawMessage `json:"third_party_invite"`
	}
	if err := json.Unmarshal(event.Content, &c); err != nil {
		return false
	}
	return len(c.ThirdPartyInvite) > 0
}

// checkCanSendEvent implements spec.md §4.2.2.
func checkCanSendEvent(event *Event, authState AuthState) error {
	sendLevel := getSendLevel(event.Type, event.IsState(), authState)
	userLevel := getUserPowerLevel(event.Sender, authState)

	if userLevel < sendLevel {
		return errorf("sender %q is not allowed to send event %q: %d < %d", event.Sender, event.Type, userLevel, sendLevel)
	}

	if event.StateKey != nil && len(*event.StateKey) > 0 && (*event.StateKey)[0] == '@' {
		if *event.StateKey != event.Sender {
			return errorf("sender %q is not allowed to modify state belonging to %q", event.Sender, *event.StateKey)
		}
	}

	return nil
}

// checkPowerLevels implements spec.md §4.2.3.
func checkPowerLevels(event *Event, authState AuthState) error {
	currentEv, ok := authState.Get(statemap.TypePowerLevels, "")
	if !ok || currentEv == nil {
		// No prior power-levels event: the first one may set anything.
		return nil
	}

	userLevel := getUserPowerLevel(event.Sender, authState)

	oldLevels := parsePowerLevelContent(currentEv.Content)
	newLevels := parsePowerLevelContent(event.Content)

	scalarNames := []string{"users_default", "events_default", "state_default", "ban", "kick", "redact", "invite"}
	for _, name := range scalarNames {
		oldV, oldOK := scalarValue(oldLevels, name)
		newV, newOK := scalarValue(newLevels, name)
		if oldOK && newOK && oldV == newV {
			continue
		}
		if !oldOK && !newOK {
			continue
		}
		if oldOK && oldV > userLevel {
			return errorf("sender with level %d cannot change %q from %d", userLevel, name, oldV)
		}
		if newOK && newV > userLevel {
			return errorf("sender with level %d cannot change %q to %d", userLevel, name, newV)
		}
	}

	if err := checkUserLevelChanges(userLevel, oldLevels.users, newLevels.users); err != nil {
		return err
	}
	if err := checkEventLevelChanges(userLevel, oldLevels.events, newLevels.events); err != nil {
		return err
	}

	return nil
}

func scalarValue(p powerLevelContent, name string) (int64, bool) {
	var v *int64
	switch name {
	case "users_default":
		v = p.usersDefault
	case "events_default":
		v = p.eventsDefault
	case "state_default":
		v = p.stateDefault
	case "ban":
		v = p.ban
	case "kick":
		v = p.kick
	case "redact":
		v = p.redact
	case "invite":
		v = p.invite
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// checkUserLevelChanges implements the asymmetric rule from spec.md §4.2.3:
// a user may not touch a users[] entry whose *old* value is already >=
// their own level, nor set a new value above their own level.
func checkUserLevelChanges(userLevel int64, oldUsers, newUsers map[string]json.RawMessage) error {
	seen := map[string]struct{}{}
	for u := range oldUsers {
		seen[u] = struct{}{}
	}
	for u := range newUsers {
		seen[u] = struct{}{}
	}
	for user := range seen {
		oldV, oldOK := rawLevel(oldUsers, user)
		newV, newOK := rawLevel(newUsers, user)
		if oldOK && newOK && oldV == newV {
			continue
		}
		if oldOK && oldV >= userLevel {
			return errorf("sender with level %d cannot change user %q's level (currently %d)", userLevel, user, oldV)
		}
		if newOK && newV > userLevel {
			return errorf("sender with level %d cannot set user %q's level to %d", userLevel, user, newV)
		}
	}
	return nil
}

// checkEventLevelChanges implements the symmetric rule for the events[]
// sub-map (spec.md §9 "Ambiguity / possible bug" — this module adopts the
// symmetric variant as recommended there).
func checkEventLevelChanges(userLevel int64, oldEvents, newEvents map[string]json.RawMessage) error {
	seen := map[string]struct{}{}
	for t := range oldEvents {
		seen[t] = struct{}{}
	}
	for t := range newEvents {
		seen[t] = struct{}{}
	}
	for etype := range seen {
		oldV, oldOK := rawLevel(oldEvents, etype)
		newV, newOK := rawLevel(newEvents, etype)
		if oldOK && newOK && oldV == newV {
			continue
		}
		if oldOK && oldV > userLevel {
			return errorf("sender with level %d cannot change event %q's level (currently %d)", userLevel, etype, oldV)
		}
		if newOK && newV > userLevel {
			return errorf("sender with level %d cannot set event %q's level to %d", userLevel, etype, newV)
		}
	}
	return nil
}

func rawLevel(m map[string]json.RawMessage, key string) (int64, bool) {
	raw, ok := m[key]
	if !ok {
		return 0, false
	}
	v := asPowerLevel(raw)
	if v == nil {
		return 0, false
	}
	return *v, true
}

// checkRedaction implements spec.md §4.2.4.
func checkRedaction(event *Event, authState AuthState) error {
	userLevel := getUserPowerLevel(event.Sender, authState)
	redactLevel := getNamedLevel("redact", authState, 50)
	if userLevel >= redactLevel {
		return nil
	}

	if event.Redacts != nil {
		senderDomain, err := domainFromID(event.Sender)
		if err == nil {
			redactDomain, err := domainFromID(*event.Redacts)
			if err == nil && redactDomain == senderDomain {
				return nil
			}
		}
	}

	return errorf("%q is not allowed to redact: %d < %d", event.Sender, userLevel, redactLevel)
}

type thirdPartyInviteSigned struct {
	Mxid   string `json:"mxid"`
	Sender string `json:"sender"`
	Token  string `json:"token"`
}

// verifyThirdPartyInvite implements spec.md §4.2.5. Signature verification
// is intentionally absent (acknowledged TODO, spec.md §9).
func verifyThirdPartyInvite(event *Event, authState AuthState) error {
	var content struct {
		ThirdPartyInvite struct {
			Signed json.RawMessage `json:"signed"`
		} `json:"third_party_invite"`
	}
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return errorf("invalid third party invite")
	}
	var signed thirdPartyInviteSigned
	if err := json.Unmarshal(content.ThirdPartyInvite.Signed, &signed); err != nil {
		return errorf("invalid third party invite")
	}

	inviteEv, ok := authState.Get("m.room.third_party_invite", signed.Token)
	if !ok || inviteEv == nil {
		return errorf("no third party invite event for token")
	}
	if inviteEv.Sender != event.Sender {
		return errorf("third party invite and event sender do not match")
	}
	if event.StateKey == nil || *event.StateKey != signed.Mxid {
		return errorf("state_key and signed mxid do not match")
	}
	// TODO: verify the signature over `signed`.
	return nil
}

func getUserPowerLevel(userID string, authState AuthState) int64 {
	if pev, ok := authState.Get(statemap.TypePowerLevels, ""); ok && pev != nil {
		return parsePowerLevelContent(pev.Content).userLevel(userID)
	}
	if createEv, ok := authState.Get(statemap.TypeCreate, ""); ok && createEv != nil {
		creator, _ := createContentCreator(createEv)
		if creator == userID {
			return 100
		}
	}
	return 0
}

func getNamedLevel(name string, authState AuthState, def int64) int64 {
	pev, ok := authState.Get(statemap.TypePowerLevels, "")
	if !ok || pev == nil {
		return def
	}
	return parsePowerLevelContent(pev.Content).namedLevel(name, def)
}

func getSendLevel(etype string, isState bool, authState AuthState) int64 {
	pev, ok := authState.Get(statemap.TypePowerLevels, "")
	if !ok || pev == nil {
		return 0
	}
	return parsePowerLevelContent(pev.Content).eventLevel(etype, isState)
}
