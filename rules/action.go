package rules

import (
	"fmt"
	"strings"

	"github.com/migadu/bouncer/consts"
)

// Action is what a matching rule does to the bounce and its subscriber.
type Action int

const (
	ActionUnknown Action = iota
	ActionDeleteUser
	ActionUnconfirmUser
	ActionDeleteUserAndBounce
	ActionUnconfirmUserAndDeleteBounce
	ActionDecreaseCountConfirmUserAndDeleteBounce
	ActionBlacklistUser
	ActionBlacklistUserAndDeleteBounce
	ActionBlacklistEmail
	ActionBlacklistEmailAndDeleteBounce
	ActionDeleteBounce
)

var actionNames = map[Action]string{
	ActionDeleteUser:                              "deleteuser",
	ActionUnconfirmUser:                           "unconfirmuser",
	ActionDeleteUserAndBounce:                     "deleteuserandbounce",
	ActionUnconfirmUserAndDeleteBounce:            "unconfirmuseranddeletebounce",
	ActionDecreaseCountConfirmUserAndDeleteBounce: "decreasecountconfirmuseranddeletebounce",
	ActionBlacklistUser:                           "blacklistuser",
	ActionBlacklistUserAndDeleteBounce:            "blacklistuseranddeletebounce",
	ActionBlacklistEmail:                          "blacklistemail",
	ActionBlacklistEmailAndDeleteBounce:           "blacklistemailanddeletebounce",
	ActionDeleteBounce:                            "deletebounce",
}

var actionsByName = func() map[string]Action {
	m := make(map[string]Action, len(actionNames))
	for a, name := range actionNames {
		m[name] = a
	}
	return m
}()

// Actions returns every known action in declaration order.
func Actions() []Action {
	out := make([]Action, 0, len(actionNames))
	for a := ActionDeleteUser; a <= ActionDeleteBounce; a++ {
		out = append(out, a)
	}
	return out
}

// ParseAction maps a stored action name to an Action.
func ParseAction(name string) (Action, error) {
	a, ok := actionsByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return ActionUnknown, fmt.Errorf("%w: %q", consts.ErrUnknownAction, name)
	}
	return a, nil
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

// DeletesBounce reports whether the action removes the matched bounce.
func (a Action) DeletesBounce() bool {
	switch a {
	case ActionDeleteUserAndBounce, ActionUnconfirmUserAndDeleteBounce,
		ActionDecreaseCountConfirmUserAndDeleteBounce, ActionBlacklistUserAndDeleteBounce,
		ActionBlacklistEmailAndDeleteBounce, ActionDeleteBounce:
		return true
	}
	return false
}
